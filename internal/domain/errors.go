package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation は入力値が不正・欠落している場合のエラー。
	ErrValidation = errors.New("validation failed")

	// ErrInvalidSubject は主体ID・主体区分の形式が不正な場合のエラー。
	ErrInvalidSubject = fmt.Errorf("%w: invalid subject", ErrValidation)

	// ErrAlreadyInitialized は主体に有効な鍵レコードが既に存在する場合のエラー。
	ErrAlreadyInitialized = errors.New("key record already initialized")

	// ErrAlreadyExists はストアへの作成時に有効なレコードが既に存在する場合のエラー。
	ErrAlreadyExists = errors.New("key record already exists")

	// ErrNotFound は対象の鍵レコードが存在しない場合のエラー。
	ErrNotFound = errors.New("key record not found")

	// ErrAuthentication はパスワードでマスター鍵を復号できなかった場合のエラー。
	ErrAuthentication = errors.New("authentication failed")

	// ErrIntegrity は認証タグの検証に失敗した（改ざんされた）場合のエラー。
	ErrIntegrity = errors.New("integrity check failed")

	// ErrConflict は鍵レコードが並行して更新された場合のエラー。再読込後のリトライが可能。
	ErrConflict = errors.New("key record was modified concurrently")

	// ErrParticipantKey は参加者の公開鍵で会話鍵をラップできなかった場合のエラー。
	ErrParticipantKey = errors.New("participant key unusable")

	// ErrCrypto は呼び出し元の条件に起因しない暗号処理の失敗。
	ErrCrypto = errors.New("cryptographic operation failed")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// ParticipantKeyError はどの参加者の公開鍵が使えなかったかを示す。
type ParticipantKeyError struct {
	SubjectID string
	Err       error
}

func (e *ParticipantKeyError) Error() string {
	return fmt.Sprintf("participant %q: %v", e.SubjectID, e.Err)
}

// Is は errors.Is(err, ErrParticipantKey) を成立させる。
func (e *ParticipantKeyError) Is(target error) bool {
	return target == ErrParticipantKey
}

func (e *ParticipantKeyError) Unwrap() error {
	return e.Err
}
