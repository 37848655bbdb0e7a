// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"

	"hr-key-management/config"
	"hr-key-management/internal/handler"
	"hr-key-management/internal/infra"
	"hr-key-management/internal/middleware"
	"hr-key-management/internal/primitive"
	"hr-key-management/internal/repository"
	"hr-key-management/internal/usecase"
	"hr-key-management/migrations"
)

// version はビルド時に -ldflags で上書きする。
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server error", "error", err)
		memguard.SafeExit(1)
	}
	memguard.Purge()
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	infra.SetupLogger(cfg)

	db, err := infra.NewDB(cfg.DatabaseURL, cfg.OtelEnabled)
	if err != nil {
		return err
	}

	if cfg.MigrateOnStart {
		migrator := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS)
		count, err := migrator.ApplyMigrations(ctx)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "migrations applied", "count", count)
	}

	// KMSは封印鍵の復号にのみ使う
	var decrypter infra.Decrypter
	if cfg.KMSKeyName != "" {
		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		decrypter = kmsClient
	}
	sealKey, err := infra.LoadSealKey(ctx, cfg.SealKey, cfg.SealKeyCiphertext, decrypter)
	if err != nil {
		return err
	}

	// DI
	crypto, err := primitive.New(cfg.Crypto)
	if err != nil {
		return err
	}
	repo := repository.NewKeyRecordRepository(db)
	manager := usecase.NewKeyManager(repo, crypto, usecase.NewRecordSealer(crypto, sealKey), cfg.MaxBackups)
	distributor := usecase.NewConversationKeyDistributor(crypto, repo, cfg.Crypto.MaxConcurrency)

	limiter := middleware.NewSubjectRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitIdleTTL)
	limiter.Start(ctx, cfg.RateLimitIdleTTL)

	content := usecase.NewContentService(crypto, cfg.MaxFileSize, cfg.AllowedMIMETypes)

	router := handler.NewRouter(
		handler.NewKeyHandler(manager, distributor),
		handler.NewContentHandler(content, cfg.MaxFileSize),
		limiter,
		cfg.OtelEnabled,
	)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"algorithm", cfg.Crypto.Algorithm,
		"iterations", cfg.Crypto.Iterations,
		"record_sealing", len(sealKey) > 0,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("server stopped")
	return nil
}
