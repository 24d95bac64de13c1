package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is assembled from the environment once at startup. Anything invalid
// here is fatal: the process must not come up with a missing secret key or a
// half-configured scheduler.
type Config struct {
	HTTPAddr    string
	DatabaseURL string

	CookieHashKey  []byte // base64
	CookieBlockKey []byte // base64
	CredEncKey     []byte // 32 bytes for AES-256-GCM, base64

	TargetBaseURL string

	PollInterval   time.Duration
	DispatchGrace  time.Duration
	BookingLead    time.Duration
	Workers        int
	QueueSize      int
	AttemptTimeout time.Duration
	RetryMax       int

	SessionMaxAge   time.Duration
	RefreshSpec     string // cron spec for the session refresh job
	RefreshParallel int

	SweepSpec string        // cron spec for the abandoned-job sweep
	SweepAge  time.Duration // non-terminal jobs older than this get failed

	DebugDir string

	LogLevel string
	LogJSON  bool
}

func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:      envDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		TargetBaseURL: envDefault("TARGET_BASE_URL", "https://www.workoutbristol.co.uk"),
		RefreshSpec:   envDefault("SESSION_REFRESH_SPEC", "@every 2h"),
		SweepSpec:     envDefault("JOB_SWEEP_SPEC", "@every 24h"),
		DebugDir:      envDefault("DEBUG_DIR", "debug"),
		LogLevel:      envDefault("LOG_LEVEL", "info"),
		LogJSON:       envDefault("LOG_FORMAT", "console") == "json",
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}

	var err error
	if cfg.CookieHashKey, err = mustB64("COOKIE_HASH_KEY"); err != nil {
		return cfg, err
	}
	if cfg.CookieBlockKey, err = mustB64("COOKIE_BLOCK_KEY"); err != nil {
		return cfg, err
	}
	if cfg.CredEncKey, err = mustB64("CRED_ENC_KEY"); err != nil {
		return cfg, err
	}
	if len(cfg.CredEncKey) != 32 {
		return cfg, fmt.Errorf("CRED_ENC_KEY must decode to 32 bytes (got %d)", len(cfg.CredEncKey))
	}

	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.PollInterval < time.Second {
		return cfg, fmt.Errorf("POLL_INTERVAL must be at least 1s (got %s)", cfg.PollInterval)
	}
	if cfg.DispatchGrace, err = envDuration("DISPATCH_GRACE", 2*cfg.PollInterval); err != nil {
		return cfg, err
	}
	if cfg.BookingLead, err = envDuration("BOOKING_LEAD", 48*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.AttemptTimeout, err = envDuration("ATTEMPT_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.SessionMaxAge, err = envDuration("SESSION_MAX_AGE", 2*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.SweepAge, err = envDuration("JOB_SWEEP_AGE", time.Hour); err != nil {
		return cfg, err
	}

	if cfg.Workers, err = envInt("WORKERS", 8); err != nil {
		return cfg, err
	}
	if cfg.Workers < 1 {
		return cfg, fmt.Errorf("WORKERS must be at least 1 (got %d)", cfg.Workers)
	}
	if cfg.QueueSize, err = envInt("QUEUE_SIZE", 64); err != nil {
		return cfg, err
	}
	if cfg.RetryMax, err = envInt("RETRY_MAX", 3); err != nil {
		return cfg, err
	}
	if cfg.RefreshParallel, err = envInt("REFRESH_PARALLEL", 4); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func envDefault(k, d string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	return v
}

func envDuration(k string, d time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return out, nil
}

func envInt(k string, d int) (int, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return out, nil
}

func mustB64(k string) ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil, fmt.Errorf("%s is required (base64)", k)
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}
