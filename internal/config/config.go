// Package config loads sessiond configuration. Values are layered: built-in defaults,
// then the YAML file, then SQLSESSION_* environment variables (optionally seeded from
// .env files).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SQLSESSION_"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrParsingConfig = errors.New("failed to parse configuration")
)

type (
	Config struct {
		Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
		Locker  LockerConfig  `yaml:"locker" envPrefix:"LOCKER_"`
		HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`
		Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	}

	StoreConfig struct {
		Driver          string        `yaml:"driver" env:"DRIVER"` // postgres, sqlite
		DSN             string        `yaml:"dsn" env:"DSN"`
		Table           string        `yaml:"table" env:"TABLE"`
		LockTimeout     time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
		MaxSessionBytes int           `yaml:"max_session_bytes" env:"MAX_SESSION_BYTES"`
		MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
		MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	}

	// LockerConfig selects where session locks live. An empty Type uses the
	// store's own locks.
	LockerConfig struct {
		Type          string        `yaml:"type" env:"TYPE"` // memcached, redis
		Lease         time.Duration `yaml:"lease" env:"LEASE"`
		Servers       []string      `yaml:"servers" env:"SERVERS"` // memcached
		RedisURL      string        `yaml:"redis_url" env:"REDIS_URL"`
		RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
		RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	}

	HTTPConfig struct {
		Addr            string        `yaml:"addr" env:"ADDR"`
		CookieName      string        `yaml:"cookie_name" env:"COOKIE_NAME"`
		CookieDomain    string        `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
		Secure          bool          `yaml:"secure" env:"SECURE"`
		TTL             time.Duration `yaml:"ttl" env:"TTL"`
		GCSchedule      string        `yaml:"gc_schedule" env:"GC_SCHEDULE"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	}

	LoggingConfig struct {
		Level      string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
		Format     string `yaml:"format" env:"FORMAT"` // json, text
		Output     string `yaml:"output" env:"OUTPUT"` // stdout, file, both
		File       string `yaml:"file" env:"FILE"`
		MaxSize    int    `yaml:"max_size" env:"MAX_SIZE"` // MB
		MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
		MaxAge     int    `yaml:"max_age" env:"MAX_AGE"` // days
	}
)

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:      "sqlite",
			DSN:         "sessions.db",
			Table:       "sessions",
			LockTimeout: 10 * time.Second,
		},
		Locker: LockerConfig{
			RetryAttempts: 3,
			RetryInterval: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			CookieName:      "session_id",
			TTL:             24 * time.Hour,
			GCSchedule:      "@every 10m",
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from path (skipped when empty) and the environment.
// envFiles are loaded into the environment first without overriding variables that are
// already set; with no envFiles a ".env" in the working directory is used if present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Join(ErrParsingConfig, err)
		}
	}

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		// The .env file is optional.
		_ = godotenv.Load()
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the store constructors cannot check themselves.
func (c *Config) Validate() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("%w: store dsn is required", ErrInvalidConfig)
	}

	c.Locker.Type = strings.ToLower(strings.TrimSpace(c.Locker.Type))
	switch c.Locker.Type {
	case "":
	case "memcached":
		if len(c.Locker.Servers) == 0 {
			return fmt.Errorf("%w: memcached locker needs at least one server", ErrInvalidConfig)
		}
	case "redis":
		if c.Locker.RedisURL == "" {
			return fmt.Errorf("%w: redis locker needs redis_url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported locker type %q", ErrInvalidConfig, c.Locker.Type)
	}

	if c.HTTP.TTL <= 0 {
		return fmt.Errorf("%w: http ttl must be positive", ErrInvalidConfig)
	}
	return nil
}
