package usecase

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"slices"

	"hr-key-management/internal/domain"
	"hr-key-management/internal/primitive"
)

// ContentService はメッセージ本文・添付ファイルを会話鍵で暗号化する。
type ContentService struct {
	crypto  CryptoProvider
	maxSize int64
	allowed []string
}

// NewContentService は新しいContentServiceを生成する。
func NewContentService(crypto CryptoProvider, maxSize int64, allowedMIMETypes []string) *ContentService {
	return &ContentService{crypto: crypto, maxSize: maxSize, allowed: allowedMIMETypes}
}

// checkMIMEType はパラメータを除いたメディアタイプが許可リストにあるか確認する。
// 空文字はメッセージ本文として扱い、許可リストの対象外とする。
func (s *ContentService) checkMIMEType(mimeType string) (string, error) {
	if mimeType == "" {
		return "", nil
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: malformed mime type %q", domain.ErrValidation, mimeType)
	}
	if !slices.Contains(s.allowed, mediaType) {
		return "", fmt.Errorf("%w: mime type %q is not allowed", domain.ErrValidation, mediaType)
	}
	return mediaType, nil
}

// EncryptContent は本文を会話鍵で暗号化する。
func (s *ContentService) EncryptContent(ctx context.Context, key, plaintext []byte, mimeType string) (*domain.EncryptedContent, error) {
	if int64(len(plaintext)) > s.maxSize {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", domain.ErrValidation, s.maxSize)
	}
	mediaType, err := s.checkMIMEType(mimeType)
	if err != nil {
		return nil, err
	}

	sealed, err := s.crypto.Encrypt(ctx, plaintext, key)
	if err != nil {
		if errors.Is(err, primitive.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: invalid conversation key", domain.ErrValidation)
		}
		return nil, cryptoError("encrypting content", err)
	}

	return &domain.EncryptedContent{
		Ciphertext: sealed.Ciphertext,
		IV:         sealed.IV,
		Tag:        sealed.Tag,
		Algorithm:  sealed.Algorithm,
		MIMEType:   mediaType,
		Size:       len(plaintext),
	}, nil
}

// DecryptContent は暗号化された本文を復号する。改ざんされていれば domain.ErrIntegrity を返す。
func (s *ContentService) DecryptContent(ctx context.Context, key []byte, content *domain.EncryptedContent) ([]byte, error) {
	if content == nil {
		return nil, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	plaintext, err := s.crypto.Decrypt(ctx, &primitive.Sealed{
		Ciphertext: content.Ciphertext,
		IV:         content.IV,
		Tag:        content.Tag,
		Algorithm:  content.Algorithm,
	}, key)
	switch {
	case err == nil:
		return plaintext, nil
	case errors.Is(err, primitive.ErrIntegrity):
		return nil, fmt.Errorf("%w: content", domain.ErrIntegrity)
	case errors.Is(err, primitive.ErrInvalidKey), errors.Is(err, primitive.ErrMalformedInput):
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	default:
		return nil, cryptoError("decrypting content", err)
	}
}
