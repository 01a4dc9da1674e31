// Package config loads relay settings from environment variables on top of
// production defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/session"
	"github.com/whisper/chat-relay/internal/store"
)

// Session backends.
const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

// Config holds every tunable of the relay process.
type Config struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int

	SessionBackend string // "memory" or "redis"
	SessionTTL     time.Duration
	SecureCookie   bool
	RedisAddr      string

	DBDriver    string // "postgres" or "sqlite3"
	DatabaseURL string
	NATSURL     string // empty disables conversation events

	MessageBlockSize int
	PersistTimeout   time.Duration
	RateLimitEnabled bool
}

// Default returns the settings used when no environment overrides are set.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,

		SessionBackend: SessionMemory,
		SessionTTL:     session.DefaultTTL,
		RedisAddr:      "localhost:6379",

		DBDriver:    store.DriverSQLite,
		DatabaseURL: "file:chat.db?_foreign_keys=on",

		MessageBlockSize: chat.DefaultBlockSize,
		PersistTimeout:   5 * time.Second,
	}
}

// FromEnv returns Default overridden by the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load applies overrides read through lookup. Every malformed value is
// reported, not just the first.
func Load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	integer("WORKER_POOL_SIZE", &cfg.WorkerPoolSize)
	integer("MAX_CONNECTIONS", &cfg.MaxConnections)
	duration("READ_TIMEOUT", &cfg.ReadTimeout)
	duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	integer("SEND_QUEUE_SIZE", &cfg.SendQueueSize)

	str("SESSION_BACKEND", &cfg.SessionBackend)
	duration("SESSION_TTL", &cfg.SessionTTL)
	boolean("SECURE_COOKIE", &cfg.SecureCookie)
	str("REDIS_ADDR", &cfg.RedisAddr)

	str("DB_DRIVER", &cfg.DBDriver)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("NATS_URL", &cfg.NATSURL)

	integer("MESSAGE_BLOCK_SIZE", &cfg.MessageBlockSize)
	duration("PERSIST_TIMEOUT", &cfg.PersistTimeout)
	boolean("RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled)

	cfg.SessionBackend = strings.ToLower(cfg.SessionBackend)
	if err := errors.Join(errs...); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the settings are usable together.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	positive("worker pool size", c.WorkerPoolSize)
	positive("max connections", c.MaxConnections)
	positive("send queue size", c.SendQueueSize)
	positive("message block size", c.MessageBlockSize)
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL))
	}
	if c.PersistTimeout <= 0 {
		errs = append(errs, fmt.Errorf("persist timeout must be positive, got %s", c.PersistTimeout))
	}

	switch c.SessionBackend {
	case SessionMemory:
	case SessionRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis session backend needs REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.SessionBackend))
	}

	switch c.DBDriver {
	case store.DriverPostgres, store.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.DBDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database url is required"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
