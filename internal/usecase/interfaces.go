// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hr-key-management/internal/domain"
	"hr-key-management/internal/primitive"
)

var tracer = otel.Tracer("hr-key-management/internal/usecase")

// KeyRecordRepository は鍵レコードのデータアクセスのインターフェース。
type KeyRecordRepository interface {
	Create(ctx context.Context, rec domain.KeyRecord) (domain.KeyRecord, error)
	FindActive(ctx context.Context, subject domain.Subject) (*domain.KeyRecord, error)
	FindLatest(ctx context.Context, subject domain.Subject) (*domain.KeyRecord, error)
	Save(ctx context.Context, rec domain.KeyRecord) (domain.KeyRecord, error)
	RecordUsage(ctx context.Context, id string, encrypts, decrypts uint64, at time.Time) error
}

// CryptoProvider は暗号プリミティブのインターフェース。
type CryptoProvider interface {
	Params() primitive.Params
	GenerateSymmetricKey() ([]byte, error)
	GenerateSalt() ([]byte, error)
	DeriveKey(ctx context.Context, password, salt []byte, iterations int) ([]byte, error)
	DeriveSubKey(secret, salt []byte, info string) ([]byte, error)
	GenerateKeyPair(ctx context.Context) (*primitive.KeyPair, error)
	PublicKeyFromPrivate(privateKeyDER []byte) (string, error)
	Encrypt(ctx context.Context, plaintext, key []byte) (*primitive.Sealed, error)
	Decrypt(ctx context.Context, s *primitive.Sealed, key []byte) ([]byte, error)
	WrapKey(ctx context.Context, data []byte, publicKeyPEM string) ([]byte, error)
	UnwrapKey(ctx context.Context, ciphertext, privateKeyDER []byte) ([]byte, error)
	HMAC(data, key []byte) []byte
	VerifyHMAC(data, key, tag []byte) bool
}

// finishSpan はエラーがあればスパンに記録して終了する。
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
