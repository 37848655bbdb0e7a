package primitive

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/semaphore"
)

const minRSAKeyBits = 2048

// Sealed はAEADによる暗号化結果。Tag は Ciphertext と分けて保持する。
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
	Algorithm  string
}

// KeyPair はRSA鍵ペア。公開鍵はPKIX形式のPEM、秘密鍵はPKCS#8のDER。
type KeyPair struct {
	PublicKeyPEM  string
	PrivateKeyDER []byte
	Bits          int
}

// Provider は暗号プリミティブを提供する。
// CPU負荷の高い処理は同時実行数を semaphore で制限し、操作ごとのタイムアウトを適用する。
type Provider struct {
	params Params
	sem    *semaphore.Weighted
}

// New は設定値を検証して Provider を生成する。
func New(params Params) (*Provider, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Provider{
		params: params,
		sem:    semaphore.NewWeighted(int64(params.MaxConcurrency)),
	}, nil
}

// Params は設定値を返す。
func (p *Provider) Params() Params {
	return p.params
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// GenerateSymmetricKey は対称鍵を生成する。
func (p *Provider) GenerateSymmetricKey() ([]byte, error) {
	return randomBytes(p.params.KeyLength)
}

// GenerateSalt はソルトを生成する。
func (p *Provider) GenerateSalt() ([]byte, error) {
	return randomBytes(p.params.SaltLength)
}

// GenerateIV はIV（nonce）を生成する。
func (p *Provider) GenerateIV() ([]byte, error) {
	return randomBytes(p.params.IVLength)
}

// DeriveKey はPBKDF2-HMAC-SHA256でパスワードから鍵を導出する。入力が同じなら結果も同じ。
func (p *Provider) DeriveKey(ctx context.Context, password, salt []byte, iterations int) ([]byte, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: pbkdf2 iterations %d below %d", ErrInvalidParams, iterations, MinIterations)
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: empty password", ErrInvalidKey)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", ErrMalformedInput)
	}
	keyLen := p.params.KeyLength
	return run(ctx, p, p.params.DerivationTimeout, func() ([]byte, error) {
		return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New), nil
	})
}

// DeriveSubKey はHKDF-SHA256で鍵から用途別の鍵を導出する。
func (p *Provider) DeriveSubKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) != p.params.KeyLength {
		return nil, fmt.Errorf("%w: secret must be %d bytes", ErrInvalidKey, p.params.KeyLength)
	}
	out := make([]byte, p.params.KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("deriving sub key: %w", err)
	}
	return out, nil
}

// GenerateKeyPair はRSA鍵ペアを生成する。
func (p *Provider) GenerateKeyPair(ctx context.Context) (*KeyPair, error) {
	bits := p.params.RSAKeyBits
	return run(ctx, p, p.params.DerivationTimeout, func() (*KeyPair, error) {
		priv, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("generating rsa key: %w", err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("marshaling public key: %w", err)
		}
		privDER, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("marshaling private key: %w", err)
		}
		return &KeyPair{
			PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
			PrivateKeyDER: privDER,
			Bits:          bits,
		}, nil
	})
}

// PublicKeyFromPrivate はPKCS#8秘密鍵に対応する公開鍵PEMを返す。
func (p *Provider) PublicKeyFromPrivate(privateKeyDER []byte) (string, error) {
	priv, err := parsePrivateKey(privateKeyDER)
	if err != nil {
		return "", err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})), nil
}

func (p *Provider) newAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	if len(key) != p.params.KeyLength {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, p.params.KeyLength, len(key))
	}
	switch algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrMalformedInput, algorithm)
	}
}

// Encrypt は設定されたAEADで平文を暗号化する。
func (p *Provider) Encrypt(ctx context.Context, plaintext, key []byte) (*Sealed, error) {
	aead, err := p.newAEAD(p.params.Algorithm, key)
	if err != nil {
		return nil, err
	}
	iv, err := p.GenerateIV()
	if err != nil {
		return nil, err
	}
	return run(ctx, p, p.params.EncryptionTimeout, func() (*Sealed, error) {
		out := aead.Seal(nil, iv, plaintext, nil)
		split := len(out) - aead.Overhead()
		return &Sealed{
			Ciphertext: out[:split],
			IV:         iv,
			Tag:        out[split:],
			Algorithm:  p.params.Algorithm,
		}, nil
	})
}

// Decrypt は Sealed を復号する。タグが一致しなければ ErrIntegrity を返す。
// アルゴリズムは Sealed に記録されたものを使うため、設定変更前の暗号文も復号できる。
func (p *Provider) Decrypt(ctx context.Context, s *Sealed, key []byte) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil sealed data", ErrMalformedInput)
	}
	aead, err := p.newAEAD(s.Algorithm, key)
	if err != nil {
		return nil, err
	}
	if len(s.IV) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrMalformedInput, aead.NonceSize())
	}
	if len(s.Tag) != aead.Overhead() {
		return nil, fmt.Errorf("%w: tag must be %d bytes", ErrMalformedInput, aead.Overhead())
	}
	combined := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	combined = append(combined, s.Ciphertext...)
	combined = append(combined, s.Tag...)
	return run(ctx, p, p.params.DecryptionTimeout, func() ([]byte, error) {
		plaintext, err := aead.Open(nil, s.IV, combined, nil)
		if err != nil {
			return nil, ErrIntegrity
		}
		return plaintext, nil
	})
}

func parsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: public key is not a PEM encoded PUBLIC KEY", ErrInvalidKey)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrInvalidKey)
	}
	if pub.N.BitLen() < minRSAKeyBits {
		return nil, fmt.Errorf("%w: rsa key smaller than %d bits", ErrInvalidKey, minRSAKeyBits)
	}
	return pub, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not RSA", ErrInvalidKey)
	}
	return priv, nil
}

// WrapKey はRSA-OAEP-SHA256で公開鍵宛てにデータを暗号化する。
func (p *Provider) WrapKey(ctx context.Context, data []byte, publicKeyPEM string) ([]byte, error) {
	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return run(ctx, p, p.params.EncryptionTimeout, func() ([]byte, error) {
		ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return ct, nil
	})
}

// UnwrapKey はRSA-OAEP-SHA256で暗号化されたデータを秘密鍵で復号する。
func (p *Provider) UnwrapKey(ctx context.Context, ciphertext, privateKeyDER []byte) ([]byte, error) {
	priv, err := parsePrivateKey(privateKeyDER)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) != priv.Size() {
		return nil, fmt.Errorf("%w: wrapped key must be %d bytes", ErrMalformedInput, priv.Size())
	}
	return run(ctx, p, p.params.DecryptionTimeout, func() ([]byte, error) {
		data, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
		if err != nil {
			return nil, ErrDecrypt
		}
		return data, nil
	})
}

// HMAC はHMAC-SHA256を計算する。
func (p *Provider) HMAC(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC は定数時間比較でHMACを検証する。
func (p *Provider) VerifyHMAC(data, key, tag []byte) bool {
	return hmac.Equal(p.HMAC(data, key), tag)
}

// run は同時実行数の制限とタイムアウトの下で fn を実行する。
// タイムアウト後も fn は裏で完了まで走り、その時点でスロットを解放する。
func run[T any](ctx context.Context, p *Provider, timeout time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, ctxError(err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, ctxError(err)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer p.sem.Release(1)
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctxError(ctx.Err())
	}
}

func ctxError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	return err
}

// Interrupted は err がタイムアウトかキャンセルによる中断かどうかを返す。
// 中断は鍵やパスワードの誤りを意味しない。
func Interrupted(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCanceled)
}
