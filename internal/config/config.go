// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/petrijr/trailhead/pkg/api"
)

// Store names a persistence backend.
type Store string

const (
	StoreMemory   Store = "memory"
	StoreSQLite   Store = "sqlite"
	StorePostgres Store = "postgres"
	StoreRedis    Store = "redis"
)

// Config is read from TRAILHEAD_* environment variables.
type Config struct {
	Store       Store  `env:"STORE" envDefault:"sqlite"`
	SQLiteDSN   string `env:"SQLITE_DSN" envDefault:"file:trailhead.db?_pragma=busy_timeout(5000)"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"trailhead:"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// ConflictRetries is how many times a lost optimistic race is retried.
	ConflictRetries int           `env:"CONFLICT_RETRIES" envDefault:"3"`
	ConflictBackoff time.Duration `env:"CONFLICT_BACKOFF" envDefault:"0s"`

	// IdleTimeout is how long an active session may sit untouched before
	// the sweep abandons it.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"168h"`
}

// Load parses the environment and checks the result.
func Load() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "TRAILHEAD_"})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite, StoreRedis:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("TRAILHEAD_POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("TRAILHEAD_CONFLICT_RETRIES must not be negative")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("TRAILHEAD_IDLE_TIMEOUT must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// ConflictRetry turns the retry settings into the engine's policy.
func (c Config) ConflictRetry() api.ConflictRetry {
	return api.ConflictRetry{
		MaxAttempts:    c.ConflictRetries + 1,
		InitialBackoff: c.ConflictBackoff,
	}
}
