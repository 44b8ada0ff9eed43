// Package config reads service settings from the environment. Every
// knob has a default; malformed or out-of-range values fail startup
// instead of silently running with surprising limits.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
)

type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	WorkerConcurrency int
	JobTimeout        time.Duration
	RetentionWindow   time.Duration
	MaxUploadBytes    int64

	// SubmitRatePerSec 0 disables submission throttling.
	SubmitRatePerSec float64
	SubmitRateBurst  int

	StoreBackend string
	PostgresDSN  string
	RedisAddr    string
	SQLitePath   string
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:   envOr("LISTEN_ADDR", ":8000"),
		StoreBackend: strings.ToLower(envOr("STORE_BACKEND", BackendMemory)),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		RedisAddr:    envOr("REDIS_ADDR", "localhost:6379"),
		SQLitePath:   envOr("SQLITE_PATH", "modelconv.db"),
	}

	var err error
	if cfg.LogLevel, err = envLevelOr("LOG_LEVEL", slog.LevelInfo); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = envIntOr("WORKER_CONCURRENCY", 2); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency < 1 {
		return Config{}, fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", cfg.WorkerConcurrency)
	}

	timeoutSecs, err := envIntOr("JOB_TIMEOUT_SECONDS", 120)
	if err != nil {
		return Config{}, err
	}
	if timeoutSecs < 1 {
		return Config{}, fmt.Errorf("JOB_TIMEOUT_SECONDS must be at least 1, got %d", timeoutSecs)
	}
	cfg.JobTimeout = time.Duration(timeoutSecs) * time.Second

	retentionSecs, err := envIntOr("RETENTION_WINDOW_SECONDS", 3600)
	if err != nil {
		return Config{}, err
	}
	if retentionSecs < 1 {
		return Config{}, fmt.Errorf("RETENTION_WINDOW_SECONDS must be at least 1, got %d", retentionSecs)
	}
	cfg.RetentionWindow = time.Duration(retentionSecs) * time.Second

	if cfg.MaxUploadBytes, err = envInt64Or("MAX_UPLOAD_BYTES", 256<<20); err != nil {
		return Config{}, err
	}
	if cfg.MaxUploadBytes < 1 {
		return Config{}, fmt.Errorf("MAX_UPLOAD_BYTES must be at least 1, got %d", cfg.MaxUploadBytes)
	}

	if cfg.SubmitRatePerSec, err = envFloatOr("SUBMIT_RATE_LIMIT", 0); err != nil {
		return Config{}, err
	}
	if cfg.SubmitRatePerSec < 0 {
		return Config{}, fmt.Errorf("SUBMIT_RATE_LIMIT must not be negative, got %g", cfg.SubmitRatePerSec)
	}
	if cfg.SubmitRateBurst, err = envIntOr("SUBMIT_RATE_BURST", 5); err != nil {
		return Config{}, err
	}
	if cfg.SubmitRatePerSec > 0 && cfg.SubmitRateBurst < 1 {
		return Config{}, fmt.Errorf("SUBMIT_RATE_BURST must be at least 1, got %d", cfg.SubmitRateBurst)
	}

	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis, BackendSQLite:
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=%s", BackendPostgres)
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, raw)
	}
	return v, nil
}

func envInt64Or(key string, def int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, raw)
	}
	return v, nil
}

func envFloatOr(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, raw)
	}
	return v, nil
}

func envLevelOr(key string, def slog.Level) (slog.Level, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%s: unknown level %q", key, raw)
	}
}
