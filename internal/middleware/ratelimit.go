package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"hr-key-management/pkg/httputil"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SubjectRateLimiter は主体ごとのトークンバケットでパスワードを伴う操作の試行回数を制限する。
// 一定時間使われなかったバケットはアクセス時と定期スイープで破棄される。
type SubjectRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

// NewSubjectRateLimiter は新しいSubjectRateLimiterを生成する。
func NewSubjectRateLimiter(rps float64, burst int, idleTTL time.Duration) *SubjectRateLimiter {
	return &SubjectRateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow は key の試行を1回消費できるかどうかを返す。
func (l *SubjectRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || now.Sub(e.lastSeen) > l.idleTTL {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Sweep は idleTTL を超えて使われていないバケットを削除し、削除数を返す。
func (l *SubjectRateLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len は保持しているバケット数を返す。
func (l *SubjectRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Start は ctx がキャンセルされるまで interval ごとに Sweep を実行する。
func (l *SubjectRateLimiter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		slog.WarnContext(ctx, "rate limiter sweep disabled",
			"operation", "rate_limit_sweep",
			"interval", interval,
		)
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					slog.DebugContext(ctx, "rate limiter swept idle subjects",
						"operation", "rate_limit_sweep",
						"removed", n,
					)
				}
			}
		}
	}()
}

// Middleware はURLパラメータ subject_class / subject_id をキーに制限するchiミドルウェア。
func (l *SubjectRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "subject_class") + ":" + chi.URLParam(r, "subject_id")
		if !l.Allow(key) {
			slog.WarnContext(r.Context(), "rate limit exceeded",
				"operation", "rate_limit",
				"subject", key,
			)
			w.Header().Set("Retry-After", "1")
			httputil.Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many attempts, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
