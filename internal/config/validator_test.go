package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8080", LogLevel: "info"},
		Store:  StoreConfig{Backend: "sqlite", Path: "ledgergate.db", SweepInterval: "5m"},
		Auth: AuthConfig{
			APIKeys: []APIKeyConfig{{KeyHash: "sha256:abc123", UserID: "user-1"}},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// Simulate a user running "ledgergate start" with no config file at all.
	cfg := &Config{}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() zero-config unexpected error: %v", err)
	}
}

func TestValidate_InvalidHTTPAddr(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.HTTPAddr = "not a listen address"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "host:port") {
		t.Errorf("error = %q, want to contain 'host:port'", err.Error())
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "must be one of") {
		t.Errorf("error = %q, want to contain 'must be one of'", err.Error())
	}
}

func TestValidate_InvalidBackend(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Store.Backend = "postgres"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "Store.Backend") || !strings.Contains(errStr, "sqlite memory redis") {
		t.Errorf("error = %q, want to contain 'Store.Backend' and 'sqlite memory redis'", errStr)
	}
}

func TestValidate_InvalidSweepInterval(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Store.SweepInterval = "five minutes"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "positive duration") {
		t.Errorf("error = %q, want to contain 'positive duration'", err.Error())
	}
}

func TestValidate_NegativeDurationRejected(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Store.SweepInterval = "-5m"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for negative duration, got nil")
	}
}

func TestValidate_ActionOverrides(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.RateLimit.Actions = []ActionOverrideConfig{
		{Action: "add-asset", MaxRequests: 20, Window: "60s"},
		{Action: "auth", MaxRequests: 3, Window: "10m"},
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with overrides unexpected error: %v", err)
	}
}

func TestValidate_ActionOverrideMissingFields(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.RateLimit.Actions = []ActionOverrideConfig{
		{Action: "add-asset", Window: "60s"}, // MaxRequests missing
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "MaxRequests") {
		t.Errorf("error = %q, want to contain 'MaxRequests'", err.Error())
	}
}

func TestValidate_ActionOverrideInvalidWindow(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.RateLimit.Actions = []ActionOverrideConfig{
		{Action: "add-asset", MaxRequests: 20, Window: "soon"},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for invalid window, got nil")
	}
}

func TestValidate_DuplicateActionOverride(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.RateLimit.Actions = []ActionOverrideConfig{
		{Action: "add-asset", MaxRequests: 20, Window: "60s"},
		{Action: "add-asset", MaxRequests: 5, Window: "60s"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate override") {
		t.Errorf("error = %q, want to contain 'duplicate override'", err.Error())
	}
}

func TestValidate_InvalidKeyHashPrefix(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.APIKeys[0].KeyHash = "abc123" // Missing sha256: prefix

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing sha256: prefix, got nil")
	}
	if !strings.Contains(err.Error(), "sha256:") {
		t.Errorf("error = %q, want to contain 'sha256:'", err.Error())
	}
}

func TestValidate_DuplicateKeyHash(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, APIKeyConfig{
		KeyHash: cfg.Auth.APIKeys[0].KeyHash,
		UserID:  "user-2",
	})

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate key_hash") {
		t.Errorf("error = %q, want to contain 'duplicate key_hash'", err.Error())
	}
}

func TestValidate_MissingAPIKeys(t *testing.T) {
	t.Parallel()

	// No API keys is valid: limiting falls back to IP identifiers.
	cfg := minimalValidConfig()
	cfg.Auth.APIKeys = nil

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with empty API keys unexpected error: %v", err)
	}
}

func TestValidate_InvalidRedisDB(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Addr = "127.0.0.1:6379"
	cfg.Store.Redis.DB = -1

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for negative redis db, got nil")
	}
}
