package config

import (
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"LISTEN_ADDR":        ":9000",
		"WORKER_POOL_SIZE":   "8",
		"READ_TIMEOUT":       "3s",
		"SESSION_BACKEND":    "Redis",
		"SESSION_TTL":        "1h",
		"DB_DRIVER":          "postgres",
		"DATABASE_URL":       "postgres://localhost/chat",
		"NATS_URL":           "nats://localhost:4222",
		"MESSAGE_BLOCK_SIZE": "25",
		"RATE_LIMIT_ENABLED": "true",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9000" || cfg.WorkerPoolSize != 8 || cfg.ReadTimeout != 3*time.Second {
		t.Errorf("server settings not applied: %+v", cfg)
	}
	if cfg.SessionBackend != SessionRedis || cfg.SessionTTL != time.Hour {
		t.Errorf("session settings not applied: %+v", cfg)
	}
	if cfg.DBDriver != "postgres" || cfg.DatabaseURL != "postgres://localhost/chat" {
		t.Errorf("database settings not applied: %+v", cfg)
	}
	if cfg.MessageBlockSize != 25 || !cfg.RateLimitEnabled || cfg.NATSURL == "" {
		t.Errorf("broker settings not applied: %+v", cfg)
	}
	if cfg.WriteTimeout != Default().WriteTimeout {
		t.Errorf("unset value changed: %s", cfg.WriteTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadReportsEveryBadValue(t *testing.T) {
	_, err := Load(env(map[string]string{
		"WORKER_POOL_SIZE":   "many",
		"PERSIST_TIMEOUT":    "soon",
		"RATE_LIMIT_ENABLED": "perhaps",
	}))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, key := range []string{"WORKER_POOL_SIZE", "PERSIST_TIMEOUT", "RATE_LIMIT_ENABLED"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero block size", func(c *Config) { c.MessageBlockSize = 0 }},
		{"zero workers", func(c *Config) { c.WorkerPoolSize = 0 }},
		{"unknown session backend", func(c *Config) { c.SessionBackend = "memcached" }},
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"no database url", func(c *Config) { c.DatabaseURL = "" }},
		{"negative ttl", func(c *Config) { c.SessionTTL = -time.Second }},
		{"redis without address", func(c *Config) {
			c.SessionBackend = SessionRedis
			c.RedisAddr = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
