// Package config provides the configuration schema for LedgerGate.
//
// Configuration is file-based (ledgergate.yaml) with environment variable
// overrides. The schema deliberately stays small: the limiter is meant to be
// droppable in front of the finance API with zero required fields.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

// Config is the top-level configuration for LedgerGate.
type Config struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures the window store backend.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// RateLimit configures the limiter and per-action quota overrides.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Auth configures file-based API keys for user-scoped limiting.
	// Optional: without keys, all limiting is IP-based.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// DevMode enables development features (verbose logging, memory backend).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// LedgerGate only speaks plain HTTP; use a reverse proxy for TLS.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// StoreConfig selects and configures the window store backend.
type StoreConfig struct {
	// Backend is the window store implementation.
	// Valid values: "sqlite", "memory", "redis". Defaults to "sqlite".
	// The memory backend loses counters on restart; redis shares counters
	// across multiple limiter instances.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=sqlite memory redis"`

	// Path is the SQLite database file. Only used by the sqlite backend.
	// Defaults to "ledgergate.db".
	Path string `yaml:"path" mapstructure:"path"`

	// SweepInterval is how often expired windows are purged in the
	// background (e.g., "5m"). Defaults to "5m".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`

	// Redis configures the redis backend. Only used when backend is "redis".
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig configures the Redis window store backend.
type RedisConfig struct {
	// Addr is the Redis server address. Defaults to "127.0.0.1:6379".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// Password authenticates with the Redis server. Optional.
	Password string `yaml:"password" mapstructure:"password"`

	// DB is the Redis logical database number.
	DB int `yaml:"db" mapstructure:"db" validate:"omitempty,min=0"`
}

// RateLimitConfig configures the limiter engine.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off. Defaults to true; when false the
	// server still serves introspection endpoints but every check allows.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Actions overrides quotas from the standard catalog. Actions not listed
	// here keep their defaults; the catalog itself cannot be shrunk, since
	// the action names are part of the client contract.
	Actions []ActionOverrideConfig `yaml:"actions" mapstructure:"actions" validate:"omitempty,dive"`
}

// ActionOverrideConfig overrides the quota for one action.
type ActionOverrideConfig struct {
	// Action is the action name (e.g., "add-asset", "global").
	Action string `yaml:"action" mapstructure:"action" validate:"required"`

	// MaxRequests is the number of allowed requests per window.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests" validate:"required,min=1"`

	// Window is the counting window length (e.g., "60s", "5m").
	Window string `yaml:"window" mapstructure:"window" validate:"required,duration"`
}

// AuthConfig configures file-based API keys.
type AuthConfig struct {
	// APIKeys maps bearer tokens to user identifiers for user-scoped limiting.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyConfig defines an API key that authenticates as a user.
type APIKeyConfig struct {
	// KeyHash is the SHA-256 hash of the API key, prefixed with "sha256:".
	// Generate with: echo -n "your-api-key" | sha256sum | cut -d' ' -f1
	// Then prefix with "sha256:" (e.g., "sha256:abc123...")
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,startswith=sha256:"`

	// UserID is the user identifier this key authenticates as. It becomes
	// the "user:<id>" rate limit identifier.
	UserID string `yaml:"user_id" mapstructure:"user_id" validate:"required"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// Counters that vanish on restart are fine in dev.
	if !viper.IsSet("store.backend") {
		c.Store.Backend = "memory"
	}

	// Provide a default dev API key if none configured.
	// SHA256 of "dev-api-key"
	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{
			{
				KeyHash: "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274",
				UserID:  "dev-user",
			},
		}
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only for security.
	// Users who need network access must explicitly set http_addr: ":8080" or "0.0.0.0:8080".
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "ledgergate.db"
	}
	if c.Store.SweepInterval == "" {
		c.Store.SweepInterval = "5m"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "127.0.0.1:6379"
	}

	// Rate limit defaults — enabled by default; this is the whole point.
	// viper.IsSet distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
}

// ActionCatalog builds the engine's action catalog: the standard actions
// with any configured overrides applied. Durations have already been
// validated, so parse failures here are programmer errors.
func (c *RateLimitConfig) ActionCatalog() (map[ratelimit.Action]ratelimit.ActionConfig, error) {
	catalog := ratelimit.DefaultActions()
	for _, override := range c.Actions {
		window, err := time.ParseDuration(override.Window)
		if err != nil {
			return nil, fmt.Errorf("action %q: invalid window: %w", override.Action, err)
		}
		catalog[ratelimit.Action(override.Action)] = ratelimit.ActionConfig{
			MaxRequests: override.MaxRequests,
			Window:      window,
		}
	}
	return catalog, nil
}

// SweepIntervalDuration parses the configured sweep interval.
func (c *StoreConfig) SweepIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
