package infra

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
)

// minSealKeyLength は封印用HMAC鍵の最小バイト数。
const minSealKeyLength = 32

// Decrypter は暗号文を復号する（Cloud KMS）。
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// LoadSealKey は鍵レコード封印用のHMAC鍵を取得する。
// ciphertext（Base64）があれば decrypter で復号したものを、無ければ plain（Base64）を使う。
// どちらも無い場合は nil を返し、封印は無効になる。
func LoadSealKey(ctx context.Context, plain, ciphertext string, decrypter Decrypter) ([]byte, error) {
	var key []byte
	switch {
	case ciphertext != "":
		if decrypter == nil {
			return nil, fmt.Errorf("SEAL_KEY_CIPHERTEXT is set but no KMS key is configured")
		}
		raw, err := base64.StdEncoding.DecodeString(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decoding SEAL_KEY_CIPHERTEXT: %w", err)
		}
		key, err = decrypter.Decrypt(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("unwrapping seal key: %w", err)
		}
	case plain != "":
		var err error
		key, err = base64.StdEncoding.DecodeString(plain)
		if err != nil {
			return nil, fmt.Errorf("decoding SEAL_KEY: %w", err)
		}
	default:
		slog.WarnContext(ctx, "record sealing disabled: no seal key configured",
			"operation", "load_seal_key",
		)
		return nil, nil
	}

	if len(key) < minSealKeyLength {
		return nil, fmt.Errorf("seal key must be at least %d bytes, got %d", minSealKeyLength, len(key))
	}
	return key, nil
}
