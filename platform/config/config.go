// Package config loads application configuration from the environment.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string

	RedisURL         string
	RedisTLSInsecure bool
	AsynqQueue       string
	AsynqConcurrency int

	CredentialsDir string

	// Identity normalization
	DefaultRegion string

	// Connection lifecycle
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	RestartRetryDelay    time.Duration
	QRTTL                time.Duration

	// Ingestion
	HistoryRecencyWindow time.Duration
	DedupWindow          time.Duration

	// Auto-reply
	AutoReplyEnabled bool
	KeywordRulesPath string
	AudioAssetsDir   string
	ViewDelayMin     time.Duration
	ViewDelayMax     time.Duration
	ReplyDelayMin    time.Duration
	ReplyDelayMax    time.Duration
	FollowupDelay    time.Duration

	// Voice transcription (optional)
	WhisperModelPath string

	// Tenants started automatically at boot.
	TenantIDs []string

	CORSAllowAll bool
	CORSOrigins  []string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisURL:         getEnv("REDIS_URL", ""),
		RedisTLSInsecure: strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueue:       getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency: mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),

		CredentialsDir: getEnv("CREDENTIALS_DIR", "credentials"),

		DefaultRegion: getEnv("DEFAULT_REGION", "ID"),

		MaxReconnectAttempts: mustInt(getEnv("MAX_RECONNECT_ATTEMPTS", "5")),
		ReconnectBaseDelay:   mustDuration(getEnv("RECONNECT_BASE_DELAY", "3s")),
		RestartRetryDelay:    mustDuration(getEnv("RESTART_RETRY_DELAY", "2s")),
		QRTTL:                mustDuration(getEnv("QR_TTL", "60s")),

		HistoryRecencyWindow: mustDuration(getEnv("HISTORY_RECENCY_WINDOW", "5m")),
		DedupWindow:          mustDuration(getEnv("DEDUP_WINDOW", "30s")),

		AutoReplyEnabled: strings.EqualFold(getEnv("AUTO_REPLY_ENABLED", "true"), "true"),
		KeywordRulesPath: getEnv("KEYWORD_RULES_PATH", ""),
		AudioAssetsDir:   getEnv("AUDIO_ASSETS_DIR", "assets/audio"),
		ViewDelayMin:     mustDuration(getEnv("VIEW_DELAY_MIN", "2s")),
		ViewDelayMax:     mustDuration(getEnv("VIEW_DELAY_MAX", "6s")),
		ReplyDelayMin:    mustDuration(getEnv("REPLY_DELAY_MIN", "3s")),
		ReplyDelayMax:    mustDuration(getEnv("REPLY_DELAY_MAX", "10s")),
		FollowupDelay:    mustDuration(getEnv("FOLLOWUP_DELAY", "24h")),

		WhisperModelPath: getEnv("WHISPER_MODEL_PATH", ""),

		TenantIDs: splitCSV(getEnv("TENANT_IDS", "")),

		CORSAllowAll: corsAllowAll,
		CORSOrigins:  corsOrigins,
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MaxReconnectAttempts < 1 {
		return nil, fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be at least 1")
	}
	if cfg.ViewDelayMax < cfg.ViewDelayMin {
		return nil, fmt.Errorf("VIEW_DELAY_MAX must not be smaller than VIEW_DELAY_MIN")
	}
	if cfg.ReplyDelayMax < cfg.ReplyDelayMin {
		return nil, fmt.Errorf("REPLY_DELAY_MAX must not be smaller than REPLY_DELAY_MIN")
	}

	return cfg, nil
}

// DatabaseConfig is the narrow view consumed by platform/db.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// SchedulerConfig is the narrow view consumed by internal/scheduler.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

func (c *Config) GetDatabaseURL() string   { return c.DatabaseURL }
func (c *Config) GetRedisURL() string      { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueue }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
