package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fragmesh configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Remote module loading
	Loader  LoaderConfig  `yaml:"loader"`
	Circuit CircuitConfig `yaml:"circuit"`
	Fetch   FetchConfig   `yaml:"fetch"`

	// Event bus
	Bus BusConfig `yaml:"bus"`

	// Last-known-good bundle cache
	Cache CacheConfig `yaml:"cache"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	// HistorySize bounds the replay ring buffer.
	HistorySize int `yaml:"history_size"`
}

// CacheConfig configures the SQLite bundle cache used as a fallback source.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint served by the CLI.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "fragmesh",
		Version: "0.3.0",

		Loader: LoaderConfig{
			MaxAttempts:    3,
			BaseDelay:      "200ms",
			MaxDelay:       "5s",
			AttemptTimeout: "10s",
			AllowedImports: DefaultAllowedImports(),
		},

		Circuit: CircuitConfig{
			FailureThreshold: 5,
			Window:           "60s",
			Cooldown:         "30s",
			MaxCooldown:      "5m",
		},

		Fetch: FetchConfig{
			RequestsPerSecond: 10,
			Burst:             5,
			UserAgent:         "fragmesh/0.3",
			MaxBundleBytes:    4 << 20,
		},

		Bus: BusConfig{
			HistorySize: 100,
		},

		Cache: CacheConfig{
			Enabled: false,
			Path:    ".fragmesh/bundles.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},

		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("FRAGMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if path := os.Getenv("FRAGMESH_CACHE_PATH"); path != "" {
		c.Cache.Path = path
		c.Cache.Enabled = true
	}
	if addr := os.Getenv("FRAGMESH_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
		c.Metrics.Enabled = true
	}
}

// Validate validates the configuration. It is called once at startup; the
// getters below still fall back to defaults so a skipped Validate never
// produces zero durations.
func (c *Config) Validate() error {
	if c.Loader.MaxAttempts < 1 {
		return fmt.Errorf("loader.max_attempts must be >= 1, got %d", c.Loader.MaxAttempts)
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit.failure_threshold must be >= 1, got %d", c.Circuit.FailureThreshold)
	}
	if c.Bus.HistorySize < 0 {
		return fmt.Errorf("bus.history_size must be >= 0, got %d", c.Bus.HistorySize)
	}
	if c.Fetch.RequestsPerSecond < 0 || c.Fetch.Burst < 0 {
		return fmt.Errorf("fetch rate limit must not be negative")
	}

	durations := map[string]string{
		"loader.base_delay":      c.Loader.BaseDelay,
		"loader.max_delay":       c.Loader.MaxDelay,
		"loader.attempt_timeout": c.Loader.AttemptTimeout,
		"circuit.window":         c.Circuit.Window,
		"circuit.cooldown":       c.Circuit.Cooldown,
		"circuit.max_cooldown":   c.Circuit.MaxCooldown,
	}
	for field, raw := range durations {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", field)
		}
	}

	if c.GetCooldown() > c.GetMaxCooldown() {
		return fmt.Errorf("circuit.cooldown (%s) exceeds circuit.max_cooldown (%s)", c.Circuit.Cooldown, c.Circuit.MaxCooldown)
	}

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Cache.Enabled && c.Cache.Path == "" {
		return fmt.Errorf("cache.path required when cache is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr required when metrics are enabled")
	}

	return nil
}

// parseDuration returns def when raw is empty or malformed.
func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}
