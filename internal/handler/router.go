package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"hr-key-management/internal/middleware"
)

// NewRouter はルーターを生成する。
// パスワードを伴うルートには主体ごとのレート制限をかける。
func NewRouter(h *KeyHandler, content *ContentHandler, limiter *middleware.SubjectRateLimiter, otelEnabled bool) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Route("/v1/subjects/{subject_class}/{subject_id}/keys", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/public-key", h.GetPublicKey)
		r.Post("/compromise", h.CompromiseKey)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Post("/", h.InitializeKey)
			r.Post("/rotate", h.RotateKey)
			r.Post("/verify", h.VerifyKey)
			r.Post("/conversation-key", h.RecoverConversationKey)
		})
	})
	r.Post("/v1/conversation-keys", h.DistributeConversationKey)
	r.Post("/v1/content/encrypt", content.EncryptContent)
	r.Post("/v1/content/decrypt", content.DecryptContent)

	if otelEnabled {
		return otelhttp.NewHandler(r, "hr-key-management",
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method + " " + req.URL.Path
			}),
		)
	}
	return r
}
