// Package config loads geotrack configuration with koanf, layering
// environment variables over built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Backend names accepted for store.backend.
const (
	StoreBackendMemory = "memory"
	StoreBackendBadger = "badger"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Port            string        `koanf:"port"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	MaxMessageSize  int64         `koanf:"max_message_size"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RateLimitConfig defines per-connection inbound message throttling.
type RateLimitConfig struct {
	Burst          int           `koanf:"burst"`
	RefillInterval time.Duration `koanf:"refill_interval"`
}

// StoreConfig selects and tunes the device store backend.
type StoreConfig struct {
	Backend string        `koanf:"backend"`
	Path    string        `koanf:"path"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Config is the root configuration for the geotrack server.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Store     StoreConfig     `koanf:"store"`
	Logging   LoggingConfig   `koanf:"logging"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            ":4001",
			AllowedOrigins:  []string{"http://localhost:4001"},
			MaxMessageSize:  4096,
			ShutdownTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		Store: StoreConfig{
			Backend: StoreBackendMemory,
			Path:    "/data/geotrack",
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults overridden by environment
// variables. SERVER_PORT maps to server.port, STORE_BACKEND to
// store.backend, and so on.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Comma-separated env value for the origins list.
	if v, ok := k.Get("server.allowed_origins").(string); ok {
		k.Delete("server.allowed_origins")
		if err := k.Set("server.allowed_origins", splitCSV(v)); err != nil {
			return nil, fmt.Errorf("set allowed origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg.sanitize()
	return cfg, nil
}

// envTransform maps environment variable names to koanf config paths.
//
//	SERVER_PORT                -> server.port
//	ALLOWED_ORIGINS            -> server.allowed_origins
//	MAX_MESSAGE_SIZE           -> server.max_message_size
//	RATE_LIMIT_BURST           -> rate_limit.burst
//	RATE_LIMIT_REFILL_INTERVAL -> rate_limit.refill_interval
//	STORE_BACKEND              -> store.backend
//	STORE_PATH                 -> store.path
//	STORE_TIMEOUT              -> store.timeout
//	LOG_LEVEL                  -> logging.level
//	LOG_FORMAT                 -> logging.format
func envTransform(key string) string {
	mappings := map[string]string{
		"SERVER_PORT":                "server.port",
		"PORT":                       "server.port",
		"ALLOWED_ORIGINS":            "server.allowed_origins",
		"MAX_MESSAGE_SIZE":           "server.max_message_size",
		"SHUTDOWN_TIMEOUT":           "server.shutdown_timeout",
		"RATE_LIMIT_BURST":           "rate_limit.burst",
		"RATE_LIMIT_REFILL_INTERVAL": "rate_limit.refill_interval",
		"STORE_BACKEND":              "store.backend",
		"STORE_PATH":                 "store.path",
		"STORE_TIMEOUT":              "store.timeout",
		"LOG_LEVEL":                  "logging.level",
		"LOG_FORMAT":                 "logging.format",
	}

	if path, ok := mappings[key]; ok {
		return path
	}
	// Unknown variables are ignored rather than mapped blindly.
	return ""
}

// Validate rejects configurations that cannot be sanitized into something
// runnable.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendMemory, StoreBackendBadger:
	default:
		return fmt.Errorf("unknown store backend %q (want %q or %q)",
			c.Store.Backend, StoreBackendMemory, StoreBackendBadger)
	}

	if c.Store.Backend == StoreBackendBadger && c.Store.Path == "" {
		return fmt.Errorf("store path is required for the %q backend", StoreBackendBadger)
	}

	return nil
}

// sanitize replaces zero or negative values with defaults so a partially
// specified environment still yields a runnable configuration.
func (c *Config) sanitize() {
	def := defaultConfig()

	if c.Server.Port == "" {
		c.Server.Port = def.Server.Port
	}
	if !strings.HasPrefix(c.Server.Port, ":") {
		c.Server.Port = ":" + c.Server.Port
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Store.Timeout <= 0 {
		c.Store.Timeout = def.Store.Timeout
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
