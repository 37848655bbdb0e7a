// Package primitive は鍵導出・AEAD・RSA-OAEP・HMAC・乱数生成をまとめて提供する。
// 状態を持たず、ユーザーやストレージについては何も知らない。
package primitive

import (
	"errors"
	"fmt"
	"time"
)

const (
	// AlgorithmAESGCM はAES-256-GCM。
	AlgorithmAESGCM = "aes-256-gcm"
	// AlgorithmChaCha20Poly1305 はChaCha20-Poly1305 (RFC 8439)。
	AlgorithmChaCha20Poly1305 = "chacha20-poly1305"

	// KDFAlgorithm は鍵導出に使うアルゴリズム名。
	KDFAlgorithm = "pbkdf2-sha256"

	// MinIterations はPBKDF2反復回数の下限。
	MinIterations = 10_000
)

var (
	// ErrInvalidParams はパラメータ設定が不正な場合のエラー。
	ErrInvalidParams = errors.New("invalid crypto parameters")
	// ErrInvalidKey は鍵長・鍵形式が不正な場合のエラー。
	ErrInvalidKey = errors.New("invalid key")
	// ErrMalformedInput は暗号文の構造が不正な場合のエラー。
	ErrMalformedInput = errors.New("malformed input")
	// ErrIntegrity は認証タグが一致しない場合のエラー。
	ErrIntegrity = errors.New("integrity check failed")
	// ErrDecrypt はその他の理由で復号できない場合のエラー。
	ErrDecrypt = errors.New("decryption failed")
	// ErrTimeout は処理が制限時間内に終わらなかった場合のエラー。
	ErrTimeout = errors.New("crypto operation timed out")
	// ErrCanceled は呼び出し元のコンテキストがキャンセルされた場合のエラー。
	ErrCanceled = errors.New("crypto operation canceled")
)

// Params は Provider の設定値。
type Params struct {
	Algorithm         string
	KeyLength         int
	IVLength          int
	TagLength         int
	SaltLength        int
	Iterations        int
	RSAKeyBits        int
	EncryptionTimeout time.Duration
	DecryptionTimeout time.Duration
	DerivationTimeout time.Duration
	MaxConcurrency    int
}

// DefaultParams は既定値を返す。
func DefaultParams() Params {
	return Params{
		Algorithm:         AlgorithmAESGCM,
		KeyLength:         32,
		IVLength:          12,
		TagLength:         16,
		SaltLength:        32,
		Iterations:        100_000,
		RSAKeyBits:        2048,
		EncryptionTimeout: 5 * time.Second,
		DecryptionTimeout: 5 * time.Second,
		DerivationTimeout: 10 * time.Second,
		MaxConcurrency:    8,
	}
}

// Validate は設定値を検証する。
func (p Params) Validate() error {
	switch p.Algorithm {
	case AlgorithmAESGCM, AlgorithmChaCha20Poly1305:
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidParams, p.Algorithm)
	}
	if p.KeyLength != 32 {
		return fmt.Errorf("%w: key length must be 32 bytes, got %d", ErrInvalidParams, p.KeyLength)
	}
	if p.IVLength != 12 {
		return fmt.Errorf("%w: iv length must be 12 bytes, got %d", ErrInvalidParams, p.IVLength)
	}
	if p.TagLength != 16 {
		return fmt.Errorf("%w: tag length must be 16 bytes, got %d", ErrInvalidParams, p.TagLength)
	}
	if p.SaltLength < 16 {
		return fmt.Errorf("%w: salt length must be at least 16 bytes, got %d", ErrInvalidParams, p.SaltLength)
	}
	if p.Iterations < MinIterations {
		return fmt.Errorf("%w: pbkdf2 iterations must be at least %d, got %d", ErrInvalidParams, MinIterations, p.Iterations)
	}
	switch p.RSAKeyBits {
	case 2048, 3072, 4096:
	default:
		return fmt.Errorf("%w: unsupported rsa key size %d", ErrInvalidParams, p.RSAKeyBits)
	}
	if p.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max concurrency must be positive", ErrInvalidParams)
	}
	return nil
}
