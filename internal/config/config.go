package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	StoreBackend string
	DBSource     string
	DataDir      string

	LedgerURL     string
	LedgerTimeout time.Duration

	ReconcileInterval    time.Duration
	ReconcileConcurrency int

	SchedulerInterval          time.Duration
	SchedulerCooldown          time.Duration
	SchedulerMaxRetries        int
	SchedulerInitialBackoff    time.Duration
	SchedulerMaxBackoff        time.Duration
	SchedulerBackoffMultiplier float64
	SchedulerDisableAfter      int

	IdempotencyTTL             time.Duration
	IdempotencyCleanupInterval time.Duration
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables
// take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from an arbitrary lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:     p.str("SERVER_PORT", "8080"),
		Env:      p.str("ENVIRONMENT", "development"),
		LogLevel: p.str("LOG_LEVEL", "info"),

		StoreBackend: p.str("STORE_BACKEND", BackendFile),
		DBSource:     p.str("DB_SOURCE", ""),
		DataDir:      p.str("DATA_DIR", "data"),

		LedgerURL:     p.str("LEDGER_URL", ""),
		LedgerTimeout: p.duration("LEDGER_TIMEOUT", 30*time.Second),

		ReconcileInterval:    p.duration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileConcurrency: p.int("RECONCILE_CONCURRENCY", 8),

		SchedulerInterval:          p.duration("SCHEDULER_INTERVAL", 60*time.Second),
		SchedulerCooldown:          p.duration("SCHEDULER_COOLDOWN", 5*time.Minute),
		SchedulerMaxRetries:        p.int("SCHEDULER_MAX_RETRIES", 3),
		SchedulerInitialBackoff:    p.duration("SCHEDULER_INITIAL_BACKOFF", time.Second),
		SchedulerMaxBackoff:        p.duration("SCHEDULER_MAX_BACKOFF", 30*time.Second),
		SchedulerBackoffMultiplier: p.float("SCHEDULER_BACKOFF_MULTIPLIER", 2),
		SchedulerDisableAfter:      p.int("SCHEDULER_DISABLE_AFTER", 3),

		IdempotencyTTL:             p.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyCleanupInterval: p.duration("IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour),
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendFile:
	case BackendPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.LedgerURL == "" {
		return fmt.Errorf("LEDGER_URL environment variable is required")
	}
	if c.SchedulerMaxRetries < 1 {
		return fmt.Errorf("SCHEDULER_MAX_RETRIES must be at least 1")
	}
	if c.SchedulerBackoffMultiplier < 1 {
		return fmt.Errorf("SCHEDULER_BACKOFF_MULTIPLIER must be at least 1")
	}
	return nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}
