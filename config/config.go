// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// History backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the full server configuration. Every field has a default so the
// server starts with an empty environment.
type Config struct {
	Port     int    `env:"PORT,default=3000"`
	NATSPort int    `env:"NATS_PORT,default=4222"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s"`
	NameGracePeriod   time.Duration `env:"NAME_GRACE_PERIOD,default=5s"`

	AdmissionEnabled  bool          `env:"ADMISSION_ENABLED,default=true"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`
	RateLimitAttempts int           `env:"RATE_LIMIT_MAX_ATTEMPTS,default=20"`
	SoftThreshold     float64       `env:"RATE_LIMIT_SOFT_THRESHOLD,default=0.75"`
	SoftDelay         time.Duration `env:"RATE_LIMIT_SOFT_DELAY,default=250ms"`
	MaxConnsPerIP     int           `env:"MAX_CONNECTIONS_PER_IP,default=5"`
	TrustProxy        bool          `env:"TRUST_PROXY,default=false"`

	HistoryBackend string `env:"HISTORY_BACKEND,default=redis"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB,default=0"`
	SQLitePath     string `env:"SQLITE_PATH,default=realm-chat.db"`
	HistoryCap     int    `env:"HISTORY_CAP,default=100"`
	HistoryReplay  int    `env:"HISTORY_REPLAY,default=50"`

	MaxMessageLength int     `env:"MAX_MESSAGE_LENGTH,default=500"`
	MaxNameLength    int     `env:"MAX_NAME_LENGTH,default=200"`
	MessageRate      float64 `env:"MESSAGE_RATE,default=5"`
	MessageBurst     int     `env:"MESSAGE_BURST,default=10"`
	SendBuffer       int     `env:"SEND_BUFFER,default=64"`

	SweepInterval   time.Duration `env:"SWEEP_INTERVAL,default=30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
}

// Load decodes the configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDuration := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("PORT", c.Port)
	positive("NATS_PORT", c.NATSPort)
	positiveDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	positiveDuration("HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	positiveDuration("RATE_LIMIT_WINDOW", c.RateLimitWindow)
	positiveDuration("SWEEP_INTERVAL", c.SweepInterval)
	positiveDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	positive("RATE_LIMIT_MAX_ATTEMPTS", c.RateLimitAttempts)
	positive("MAX_CONNECTIONS_PER_IP", c.MaxConnsPerIP)
	positive("HISTORY_CAP", c.HistoryCap)
	positive("HISTORY_REPLAY", c.HistoryReplay)
	positive("MAX_MESSAGE_LENGTH", c.MaxMessageLength)
	positive("MAX_NAME_LENGTH", c.MaxNameLength)
	positive("MESSAGE_BURST", c.MessageBurst)
	positive("SEND_BUFFER", c.SendBuffer)

	if c.NameGracePeriod < 0 {
		errs = append(errs, fmt.Errorf("NAME_GRACE_PERIOD must not be negative, got %s", c.NameGracePeriod))
	}
	if c.SoftDelay < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_SOFT_DELAY must not be negative, got %s", c.SoftDelay))
	}
	if c.SoftThreshold <= 0 || c.SoftThreshold > 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_SOFT_THRESHOLD must be in (0, 1], got %g", c.SoftThreshold))
	}
	if c.MessageRate <= 0 {
		errs = append(errs, fmt.Errorf("MESSAGE_RATE must be positive, got %g", c.MessageRate))
	}
	switch c.HistoryBackend {
	case BackendRedis, BackendSQLite, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("HISTORY_BACKEND must be one of redis, sqlite, memory; got %q", c.HistoryBackend))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// HistoryReplaySize is the number of entries sent on join, never more than
// the store keeps.
func (c *Config) HistoryReplaySize() int {
	return min(c.HistoryReplay, c.HistoryCap)
}
