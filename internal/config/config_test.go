package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "fragmesh" {
		t.Errorf("expected Name=fragmesh, got %s", cfg.Name)
	}
	if cfg.Loader.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", cfg.Loader.MaxAttempts)
	}
	if cfg.Circuit.FailureThreshold != 5 {
		t.Errorf("expected FailureThreshold=5, got %d", cfg.Circuit.FailureThreshold)
	}
	if cfg.Bus.HistorySize != 100 {
		t.Errorf("expected HistorySize=100, got %d", cfg.Bus.HistorySize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDurationGettersFallBack(t *testing.T) {
	cfg := &Config{}
	if got := cfg.GetAttemptTimeout(); got != 10*time.Second {
		t.Errorf("expected 10s attempt timeout, got %s", got)
	}
	if got := cfg.GetWindow(); got != 60*time.Second {
		t.Errorf("expected 60s window, got %s", got)
	}
	if got := cfg.GetCooldown(); got != 30*time.Second {
		t.Errorf("expected 30s cooldown, got %s", got)
	}

	cfg.Circuit.Cooldown = "not-a-duration"
	if got := cfg.GetCooldown(); got != 30*time.Second {
		t.Errorf("malformed cooldown should fall back, got %s", got)
	}
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("FRAGMESH_LOG_LEVEL", "")
	t.Setenv("FRAGMESH_CACHE_PATH", "")
	t.Setenv("FRAGMESH_METRICS_ADDR", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Loader.MaxAttempts != 3 {
		t.Errorf("expected defaults, got MaxAttempts=%d", cfg.Loader.MaxAttempts)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	t.Setenv("FRAGMESH_LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "fragmesh.yaml")
	content := "circuit:\n  failure_threshold: 2\n  cooldown: 1s\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Circuit.FailureThreshold != 2 {
		t.Errorf("expected FailureThreshold=2, got %d", cfg.Circuit.FailureThreshold)
	}
	if cfg.GetCooldown() != time.Second {
		t.Errorf("expected cooldown=1s, got %s", cfg.GetCooldown())
	}
	if cfg.GetWindow() != 60*time.Second {
		t.Errorf("omitted window should keep default, got %s", cfg.GetWindow())
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("FRAGMESH_LOG_LEVEL", "")
	t.Setenv("FRAGMESH_CACHE_PATH", "")
	t.Setenv("FRAGMESH_METRICS_ADDR", "")

	path := filepath.Join(t.TempDir(), "nested", "fragmesh.yaml")

	cfg := DefaultConfig()
	cfg.Loader.MaxAttempts = 7
	cfg.Cache.Enabled = true
	cfg.Cache.Path = "/tmp/bundles.db"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Loader.MaxAttempts != 7 {
		t.Errorf("expected MaxAttempts=7, got %d", loaded.Loader.MaxAttempts)
	}
	if !loaded.Cache.Enabled || loaded.Cache.Path != "/tmp/bundles.db" {
		t.Errorf("cache config not round-tripped: %+v", loaded.Cache)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FRAGMESH_LOG_LEVEL", "debug")
	t.Setenv("FRAGMESH_CACHE_PATH", "/var/cache/fragmesh.db")
	t.Setenv("FRAGMESH_METRICS_ADDR", ":9999")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level=debug, got %s", cfg.Logging.Level)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Path != "/var/cache/fragmesh.db" {
		t.Errorf("expected cache enabled at env path, got %+v", cfg.Cache)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != ":9999" {
		t.Errorf("expected metrics enabled at :9999, got %+v", cfg.Metrics)
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.Loader.MaxAttempts = 0 }},
		{"zero threshold", func(c *Config) { c.Circuit.FailureThreshold = 0 }},
		{"negative history", func(c *Config) { c.Bus.HistorySize = -1 }},
		{"bad duration", func(c *Config) { c.Loader.BaseDelay = "soon" }},
		{"cooldown above cap", func(c *Config) { c.Circuit.Cooldown = "10m" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"cache without path", func(c *Config) { c.Cache.Enabled = true; c.Cache.Path = "" }},
		{"negative rate", func(c *Config) { c.Fetch.RequestsPerSecond = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoggerConfigCarriesCategories(t *testing.T) {
	cfg := LoggingConfig{Level: "debug", Format: "console", Categories: map[string]bool{"bus": false}}
	lc := cfg.LoggerConfig()
	if lc.Level != "debug" || lc.Format != "console" {
		t.Errorf("unexpected logger config: %+v", lc)
	}
	if on, ok := lc.Categories["bus"]; !ok || on {
		t.Error("bus should be disabled")
	}
}
