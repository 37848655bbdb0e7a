// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"hr-key-management/internal/primitive"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string
	MigrateOnStart     bool

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	// SealKey は鍵レコード封印用HMAC鍵（Base64）。SealKeyCiphertext があればKMSで復号したものを優先する。
	SealKey           string
	SealKeyCiphertext string

	Crypto           primitive.Params
	MaxBackups       int
	MaxFileSize      int64
	AllowedMIMETypes []string

	RateLimitRPS     float64
	RateLimitBurst   int
	RateLimitIdleTTL time.Duration
}

// Load は環境変数から設定を読み込み、検証する。
func Load() (*Config, error) {
	defaults := primitive.DefaultParams()
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		OtelEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "hr-key-management"),
		SealKey:            os.Getenv("SEAL_KEY"),
		SealKeyCiphertext:  os.Getenv("SEAL_KEY_CIPHERTEXT"),
		AllowedMIMETypes:   getEnvList("ALLOWED_MIME_TYPES", []string{"application/pdf", "image/png", "image/jpeg", "text/plain"}),
	}

	p := &parser{}
	cfg.MigrateOnStart = p.boolVal("MIGRATE_ON_START", false)
	cfg.OtelEnabled = p.boolVal("OTEL_ENABLED", false)
	cfg.OtelSamplingRate = p.floatVal("OTEL_SAMPLING_RATE", 1.0)

	cfg.Crypto = primitive.Params{
		Algorithm:         getEnv("CRYPTO_ALGORITHM", defaults.Algorithm),
		KeyLength:         p.intVal("CRYPTO_KEY_LENGTH", defaults.KeyLength),
		IVLength:          p.intVal("CRYPTO_IV_LENGTH", defaults.IVLength),
		TagLength:         p.intVal("CRYPTO_TAG_LENGTH", defaults.TagLength),
		SaltLength:        p.intVal("CRYPTO_SALT_LENGTH", defaults.SaltLength),
		Iterations:        p.intVal("PBKDF2_ITERATIONS", defaults.Iterations),
		RSAKeyBits:        p.intVal("RSA_KEY_BITS", defaults.RSAKeyBits),
		EncryptionTimeout: p.durationVal("ENCRYPTION_TIMEOUT", defaults.EncryptionTimeout),
		DecryptionTimeout: p.durationVal("DECRYPTION_TIMEOUT", defaults.DecryptionTimeout),
		DerivationTimeout: p.durationVal("DERIVATION_TIMEOUT", defaults.DerivationTimeout),
		MaxConcurrency:    p.intVal("CRYPTO_MAX_CONCURRENCY", defaults.MaxConcurrency),
	}
	cfg.MaxBackups = p.intVal("KEY_MAX_BACKUPS", 10)
	cfg.MaxFileSize = int64(p.intVal("MAX_FILE_SIZE", 10<<20))

	cfg.RateLimitRPS = p.floatVal("RATE_LIMIT_RPS", 1.0)
	cfg.RateLimitBurst = p.intVal("RATE_LIMIT_BURST", 5)
	cfg.RateLimitIdleTTL = p.durationVal("RATE_LIMIT_IDLE_TTL", 10*time.Minute)

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。PBKDF2反復回数の下限もここで強制する。
func (c *Config) Validate() error {
	if err := c.Crypto.Validate(); err != nil {
		return fmt.Errorf("invalid crypto config: %w", err)
	}
	if c.MaxBackups < 1 {
		return fmt.Errorf("KEY_MAX_BACKUPS must be positive, got %d", c.MaxBackups)
	}
	if c.MaxFileSize < 1 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.RateLimitIdleTTL <= 0 {
		return fmt.Errorf("RATE_LIMIT_IDLE_TTL must be positive, got %s", c.RateLimitIdleTTL)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser は最初に発生した変換エラーを保持する。
type parser struct {
	err error
}

func (p *parser) fail(key, val string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, val, err)
	}
}

func (p *parser) intVal(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return n
}

func (p *parser) floatVal(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return f
}

func (p *parser) boolVal(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return b
}

func (p *parser) durationVal(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return d
}
