package handler

import (
	"context"
	"net/http"

	"hr-key-management/internal/domain"
	"hr-key-management/pkg/httputil"
)

// ContentCipher はメッセージ・ファイル本文の暗号化インターフェース。
type ContentCipher interface {
	EncryptContent(ctx context.Context, key, plaintext []byte, mimeType string) (*domain.EncryptedContent, error)
	DecryptContent(ctx context.Context, key []byte, content *domain.EncryptedContent) ([]byte, error)
}

// ContentHandler は本文暗号化APIのHTTPハンドラ。
type ContentHandler struct {
	content   ContentCipher
	bodyLimit int64
}

// NewContentHandler は新しいContentHandlerを生成する。
// maxContentSize は平文の上限で、リクエストボディの上限はBase64分を見込んで決める。
func NewContentHandler(content ContentCipher, maxContentSize int64) *ContentHandler {
	return &ContentHandler{content: content, bodyLimit: maxContentSize/3*4 + 1<<20}
}

// EncryptContentRequest は本文暗号化のリクエスト形式。Key と Plaintext はBase64。
type EncryptContentRequest struct {
	Key       []byte `json:"key"`
	Plaintext []byte `json:"plaintext"`
	MIMEType  string `json:"mime_type,omitempty"`
}

// EncryptedContentBody は暗号化済み本文の形式。バイト列はBase64。
type EncryptedContentBody struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
	Algorithm  string `json:"algorithm"`
	MIMEType   string `json:"mime_type,omitempty"`
	Size       int    `json:"size"`
}

// DecryptContentRequest は本文復号のリクエスト形式。
type DecryptContentRequest struct {
	Key     []byte               `json:"key"`
	Content EncryptedContentBody `json:"content"`
}

// DecryptContentResponse は復号した本文（Base64）。
type DecryptContentResponse struct {
	Plaintext []byte `json:"plaintext"`
	MIMEType  string `json:"mime_type,omitempty"`
}

// EncryptContent は会話鍵で本文を暗号化する。
func (h *ContentHandler) EncryptContent(w http.ResponseWriter, r *http.Request) {
	var req EncryptContentRequest
	if err := httputil.DecodeJSONLimit(w, r, &req, h.bodyLimit); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	enc, err := h.content.EncryptContent(r.Context(), req.Key, req.Plaintext, req.MIMEType)
	if err != nil {
		writeError(w, r, "encrypt_content", err)
		return
	}

	httputil.JSON(w, http.StatusOK, EncryptedContentBody{
		Ciphertext: enc.Ciphertext,
		IV:         enc.IV,
		Tag:        enc.Tag,
		Algorithm:  enc.Algorithm,
		MIMEType:   enc.MIMEType,
		Size:       enc.Size,
	})
}

// DecryptContent は会話鍵で本文を復号する。
func (h *ContentHandler) DecryptContent(w http.ResponseWriter, r *http.Request) {
	var req DecryptContentRequest
	if err := httputil.DecodeJSONLimit(w, r, &req, h.bodyLimit); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	plaintext, err := h.content.DecryptContent(r.Context(), req.Key, &domain.EncryptedContent{
		Ciphertext: req.Content.Ciphertext,
		IV:         req.Content.IV,
		Tag:        req.Content.Tag,
		Algorithm:  req.Content.Algorithm,
		MIMEType:   req.Content.MIMEType,
		Size:       req.Content.Size,
	})
	if err != nil {
		writeError(w, r, "decrypt_content", err)
		return
	}

	httputil.JSON(w, http.StatusOK, DecryptContentResponse{Plaintext: plaintext, MIMEType: req.Content.MIMEType})
}
