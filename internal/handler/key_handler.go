// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hr-key-management/internal/domain"
	"hr-key-management/internal/middleware"
	"hr-key-management/pkg/httputil"
)

// KeyLifecycle は鍵ライフサイクル操作のインターフェース。
type KeyLifecycle interface {
	Initialize(ctx context.Context, subject domain.Subject, password string) (*domain.PublicKeyView, error)
	Rotate(ctx context.Context, subject domain.Subject, currentPassword, newPassword string) (*domain.PublicKeyView, error)
	MarkCompromised(ctx context.Context, subject domain.Subject) error
	VerifyIntegrity(ctx context.Context, subject domain.Subject, password string) (*domain.IntegrityReport, error)
	GetPublicKey(ctx context.Context, subject domain.Subject) (*domain.PublicKeyView, error)
	GetStatus(ctx context.Context, subject domain.Subject) (*domain.KeyStatusView, error)
	RecoverConversationKey(ctx context.Context, subject domain.Subject, password string, wrappedKey []byte, keyVersion uint) ([]byte, error)
}

// KeyDistributor は会話鍵配布のインターフェース。
type KeyDistributor interface {
	DistributeKey(ctx context.Context, participants []domain.Participant) (map[string][]byte, error)
	DistributeToSubjects(ctx context.Context, subjects []domain.Subject) (map[string][]byte, error)
}

// KeyHandler は鍵管理APIのHTTPハンドラ。
type KeyHandler struct {
	keys        KeyLifecycle
	distributor KeyDistributor
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(keys KeyLifecycle, distributor KeyDistributor) *KeyHandler {
	return &KeyHandler{keys: keys, distributor: distributor}
}

// PasswordRequest は初期化・検証のリクエスト形式。
type PasswordRequest struct {
	Password string `json:"password"`
}

// RotateRequest はローテーションのリクエスト形式。
type RotateRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// RecoverRequest は会話鍵取り出しのリクエスト形式。WrappedKey はBase64。
type RecoverRequest struct {
	Password   string `json:"password"`
	WrappedKey []byte `json:"wrapped_key"`
	KeyVersion uint   `json:"key_version,omitempty"`
}

// ParticipantRequest は公開鍵を直接指定する配布先。
type ParticipantRequest struct {
	SubjectID string `json:"subject_id"`
	PublicKey string `json:"public_key"`
}

// SubjectRef はストアから公開鍵を引く配布先。
type SubjectRef struct {
	Class string `json:"class"`
	ID    string `json:"id"`
}

// DistributeRequest は会話鍵配布のリクエスト形式。participants と subjects のどちらか一方を指定する。
type DistributeRequest struct {
	Participants []ParticipantRequest `json:"participants,omitempty"`
	Subjects     []SubjectRef         `json:"subjects,omitempty"`
}

// PublicKeyResponse は公開鍵のレスポンス形式。
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
	Version   uint   `json:"version"`
	Strength  string `json:"strength"`
}

// IntegrityResponse は整合性検証のレスポンス形式。
type IntegrityResponse struct {
	IsValid       bool   `json:"is_valid"`
	Version       uint   `json:"version"`
	LastRotatedAt string `json:"last_rotated_at"`
	Reason        string `json:"reason,omitempty"`
}

// StatusResponse は鍵状態のレスポンス形式。
type StatusResponse struct {
	SubjectClass  string  `json:"subject_class"`
	SubjectID     string  `json:"subject_id"`
	Version       uint    `json:"version"`
	Strength      string  `json:"strength"`
	Active        bool    `json:"active"`
	Compromised   bool    `json:"compromised"`
	LastRotatedAt string  `json:"last_rotated_at"`
	CompromisedAt *string `json:"compromised_at,omitempty"`
	BackupCount   int     `json:"backup_count"`
	EncryptCount  uint64  `json:"encrypt_count"`
	DecryptCount  uint64  `json:"decrypt_count"`
	LastUsedAt    *string `json:"last_used_at,omitempty"`
}

// ConversationKeyResponse は取り出した会話鍵（Base64）。
type ConversationKeyResponse struct {
	Key []byte `json:"key"`
}

// DistributeResponse は配布先ごとのラップ済み会話鍵（Base64）。
type DistributeResponse struct {
	WrappedKeys map[string][]byte `json:"wrapped_keys"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toPublicKeyResponse(v *domain.PublicKeyView) PublicKeyResponse {
	return PublicKeyResponse{PublicKey: v.PublicKey, Version: v.Version, Strength: string(v.Strength)}
}

// subjectFromPath はURLパラメータから主体を組み立てる。不正なら400を返して false。
func subjectFromPath(w http.ResponseWriter, r *http.Request) (domain.Subject, bool) {
	class, err := domain.ParseSubjectClass(chi.URLParam(r, "subject_class"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SUBJECT", "invalid subject class")
		return domain.Subject{}, false
	}
	subject, err := domain.NewSubject(chi.URLParam(r, "subject_id"), class)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SUBJECT", "invalid subject ID format")
		return domain.Subject{}, false
	}
	return subject, true
}

// writeError はドメインエラーをHTTPステータスに変換して返す。
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var pkErr *domain.ParticipantKeyError
	switch {
	case errors.As(err, &pkErr):
		httputil.Error(w, http.StatusUnprocessableEntity, "PARTICIPANT_KEY_UNUSABLE", pkErr.Error())
	case errors.Is(err, domain.ErrValidation):
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, domain.ErrAlreadyInitialized):
		httputil.Error(w, http.StatusConflict, "ALREADY_INITIALIZED", "key record already initialized for this subject")
	case errors.Is(err, domain.ErrConflict):
		httputil.Error(w, http.StatusConflict, "CONFLICT", "key record was modified concurrently, retry")
	case errors.Is(err, domain.ErrNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key record not found for this subject")
	case errors.Is(err, domain.ErrAuthentication):
		httputil.Error(w, http.StatusUnauthorized, "AUTHENTICATION_FAILED", "password does not unlock the key")
	case errors.Is(err, domain.ErrIntegrity):
		httputil.Error(w, http.StatusUnprocessableEntity, "INTEGRITY_CHECK_FAILED", "ciphertext failed integrity check")
	default:
		slog.ErrorContext(r.Context(), "key operation failed",
			"operation", op,
			"error", err,
		)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// InitializeKey は主体の鍵レコードを作成する。
func (h *KeyHandler) InitializeKey(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromPath(w, r)
	if !ok {
		return
	}
	var req PasswordRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	view, err := h.keys.Initialize(r.Context(), subject, req.Password)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "INITIALIZE_KEY", subject.Key(), 0, middleware.AuditResultFailure)
		writeError(w, r, "initialize_key", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "INITIALIZE_KEY", subject.Key(), view.Version, middleware.AuditResultSuccess)
	httputil.JSON(w, http.StatusCreated, toPublicKeyResponse(view))
}

// RotateKey は鍵をローテーションする。
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromPath(w, r)
	if !ok {
		return
	}
	var req RotateRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	view, err := h.keys.Rotate(r.Context(), subject, req.CurrentPassword, req.NewPassword)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", subject.Key(), 0, middleware.AuditResultFailure)
		writeError(w, r, "rotate_key", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", subject.Key(), view.Version, middleware.AuditResultSuccess)
	httputil.JSON(w, http.StatusOK, toPublicKeyResponse(view))
}

// CompromiseKey は鍵を漏洩済みにする。
func (h *KeyHandler) CompromiseKey(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromPath(w, r)
	if !ok {
		return
	}

	if err := h.keys.MarkCompromised(r.Context(), subject); err != nil {
		middleware.WriteAuditLog(r.Context(), "COMPROMISE_KEY", subject.Key(), 0, middleware.AuditResultFailure)
		writeError(w, r, "compromise_key", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "COMPROMISE_KEY", subject.Key(), 0, middleware.AuditResultSuccess)
	w.WriteHeader(http.StatusAccepted)
}

// VerifyKey はパスワードで鍵を開けるかを検証する。
func (h *KeyHandler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromPath(w, r)
	if !ok {
		return
	}
	var req PasswordRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	report, err := h.keys.VerifyIntegrity(r.Context(), subject, req.Password)
	if err != nil {
		writeError(w, r, "verify_key", err)
		return
	}

	result := middleware.AuditResultSuccess
	if !report.IsValid {
		result = middleware.AuditResultFailure
	}
	middleware.WriteAuditLog(r.Context(), "VERIFY_KEY", subject.Key(), report.Version, result)
	httputil.JSON(w, http.StatusOK, IntegrityResponse{
		IsValid:       report.IsValid,
		Version:       report.Version,
		LastRotatedAt: report.LastRotatedAt.UTC().Format(time.RFC3339),
		Reason:        report.Reason,
	})
}

// GetStatus は鍵の状態を返す。
func (h *KeyHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromPath(w, r)
	if !ok {
		return
	}

	status, err := h.keys.GetStatus(r.Context(), subject)
	if err != nil {
		writeError(w, r, "get_status", err)
		return
	}

	httputil.JSON(w, http.StatusOK, StatusResponse{
		SubjectClass:  status.Subject.Class.String(),
		SubjectID:     status.Subject.ID,
		Version:       status.Version,
		Strength:      string(status.Strength),
		Active:        status.Active,
		Compromised:   status.Compromised,
		LastRotatedAt: status.LastRotatedAt.UTC().Format(time.RFC3339),
		CompromisedAt: formatTime(status.CompromisedAt),
		BackupCount:   status.BackupCount,
		EncryptCount:  status.UsageStats.EncryptCount,
		DecryptCount:  status.UsageStats.DecryptCount,
		LastUsedAt:    formatTime(status.UsageStats.LastUsedAt),
	})
}

// GetPublicKey は公開鍵を返す。
func (h *KeyHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromPath(w, r)
	if !ok {
		return
	}

	view, err := h.keys.GetPublicKey(r.Context(), subject)
	if err != nil {
		writeError(w, r, "get_public_key", err)
		return
	}

	httputil.JSON(w, http.StatusOK, toPublicKeyResponse(view))
}

// RecoverConversationKey は主体宛てにラップされた会話鍵を取り出す。
func (h *KeyHandler) RecoverConversationKey(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFromPath(w, r)
	if !ok {
		return
	}
	var req RecoverRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	key, err := h.keys.RecoverConversationKey(r.Context(), subject, req.Password, req.WrappedKey, req.KeyVersion)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "RECOVER_CONVERSATION_KEY", subject.Key(), req.KeyVersion, middleware.AuditResultFailure)
		writeError(w, r, "recover_conversation_key", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "RECOVER_CONVERSATION_KEY", subject.Key(), req.KeyVersion, middleware.AuditResultSuccess)
	httputil.JSON(w, http.StatusOK, ConversationKeyResponse{Key: key})
}

// DistributeConversationKey は会話鍵を生成して配布先ごとにラップする。
func (h *KeyHandler) DistributeConversationKey(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if (len(req.Participants) == 0) == (len(req.Subjects) == 0) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "exactly one of participants or subjects is required")
		return
	}

	var (
		wrapped map[string][]byte
		err     error
	)
	if len(req.Participants) > 0 {
		participants := make([]domain.Participant, len(req.Participants))
		for i, p := range req.Participants {
			participants[i] = domain.Participant{SubjectID: p.SubjectID, PublicKey: p.PublicKey}
		}
		wrapped, err = h.distributor.DistributeKey(r.Context(), participants)
	} else {
		subjects := make([]domain.Subject, 0, len(req.Subjects))
		for _, ref := range req.Subjects {
			class, perr := domain.ParseSubjectClass(ref.Class)
			if perr != nil {
				httputil.Error(w, http.StatusBadRequest, "INVALID_SUBJECT", "invalid subject class")
				return
			}
			subjects = append(subjects, domain.Subject{ID: ref.ID, Class: class})
		}
		wrapped, err = h.distributor.DistributeToSubjects(r.Context(), subjects)
	}
	if err != nil {
		writeError(w, r, "distribute_conversation_key", err)
		return
	}

	httputil.JSON(w, http.StatusOK, DistributeResponse{WrappedKeys: wrapped})
}
