package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"hr-key-management/internal/domain"
	"hr-key-management/internal/middleware"
)

// mockContentCipher はテスト用のモック。
type mockContentCipher struct {
	encrypted *domain.EncryptedContent
	plaintext []byte
	err       error
	lastKey   []byte
	lastMIME  string
	lastInput *domain.EncryptedContent
}

func (m *mockContentCipher) EncryptContent(ctx context.Context, key, plaintext []byte, mimeType string) (*domain.EncryptedContent, error) {
	m.lastKey, m.lastMIME = key, mimeType
	return m.encrypted, m.err
}

func (m *mockContentCipher) DecryptContent(ctx context.Context, key []byte, content *domain.EncryptedContent) ([]byte, error) {
	m.lastKey, m.lastInput = key, content
	return m.plaintext, m.err
}

func newContentTestRouter(content *mockContentCipher, maxSize int64) http.Handler {
	limiter := middleware.NewSubjectRateLimiter(1000, 1000, time.Minute)
	return NewRouter(NewKeyHandler(&mockKeyLifecycle{}, &mockKeyDistributor{}), NewContentHandler(content, maxSize), limiter, false)
}

func TestContentHandler_EncryptContent(t *testing.T) {
	content := &mockContentCipher{encrypted: &domain.EncryptedContent{
		Ciphertext: []byte("ct"),
		IV:         []byte("iv"),
		Tag:        []byte("tag"),
		Algorithm:  "aes-256-gcm",
		MIMEType:   "application/pdf",
		Size:       7,
	}}
	router := newContentTestRouter(content, 1<<20)

	// "a2V5" = "key", "cGF5c2xpcA==" = "payslip"
	rec := doRequest(t, router, http.MethodPost, "/v1/content/encrypt",
		`{"key":"a2V5","plaintext":"cGF5c2xpcA==","mime_type":"application/pdf"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp EncryptedContentBody
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(resp.Ciphertext) != "ct" || string(resp.Tag) != "tag" || resp.Size != 7 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if string(content.lastKey) != "key" || content.lastMIME != "application/pdf" {
		t.Errorf("unexpected call: key=%q mime=%q", content.lastKey, content.lastMIME)
	}
}

func TestContentHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
	}{
		{"encrypt validation", "/v1/content/encrypt", fmt.Errorf("%w: mime type not allowed", domain.ErrValidation), http.StatusBadRequest},
		{"decrypt tampered", "/v1/content/decrypt", fmt.Errorf("%w: tag mismatch", domain.ErrIntegrity), http.StatusUnprocessableEntity},
		{"decrypt crypto failure", "/v1/content/decrypt", domain.ErrCrypto, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newContentTestRouter(&mockContentCipher{err: tt.err}, 1<<20)
			body := `{"key":"a2V5","plaintext":"eA=="}`
			if tt.path == "/v1/content/decrypt" {
				body = `{"key":"a2V5","content":{"ciphertext":"Y3Q=","iv":"aXY=","tag":"dGFn","algorithm":"aes-256-gcm","size":2}}`
			}

			rec := doRequest(t, router, http.MethodPost, tt.path, body)
			if rec.Code != tt.wantStatus {
				t.Errorf("want status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestContentHandler_DecryptContent(t *testing.T) {
	content := &mockContentCipher{plaintext: []byte("memo")}
	router := newContentTestRouter(content, 1<<20)

	rec := doRequest(t, router, http.MethodPost, "/v1/content/decrypt",
		`{"key":"a2V5","content":{"ciphertext":"Y3Q=","iv":"aXY=","tag":"dGFn","algorithm":"aes-256-gcm","mime_type":"text/plain","size":4}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp DecryptContentResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(resp.Plaintext) != "memo" || resp.MIMEType != "text/plain" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if content.lastInput == nil || !bytes.Equal(content.lastInput.Tag, []byte("tag")) || content.lastInput.Algorithm != "aes-256-gcm" {
		t.Errorf("unexpected input: %+v", content.lastInput)
	}
}

func TestContentHandler_BodyTooLarge(t *testing.T) {
	router := newContentTestRouter(&mockContentCipher{}, 0)

	large := bytes.Repeat([]byte("A"), 2<<20)
	rec := doRequest(t, router, http.MethodPost, "/v1/content/encrypt",
		`{"key":"a2V5","plaintext":"`+string(large)+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}
