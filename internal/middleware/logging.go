// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 監査ログの結果値。
const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
)

// WriteAuditLog は鍵操作の監査ログを出力する。パスワードや鍵素材は渡さないこと。
func WriteAuditLog(ctx context.Context, operation, subject string, version uint, result string) {
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"subject", subject,
		"version", version,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
