package config

import "time"

// LoaderConfig configures retries for a single remote module load.
type LoaderConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	BaseDelay      string `yaml:"base_delay"`      // backoff base, doubled per attempt
	MaxDelay       string `yaml:"max_delay"`       // backoff cap
	AttemptTimeout string `yaml:"attempt_timeout"` // per fetch+execute attempt

	// AllowedImports is the stdlib allow-list for interpreted bundles.
	AllowedImports []string `yaml:"allowed_imports"`
}

// CircuitConfig configures the per-module circuit breaker.
type CircuitConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	Window           string `yaml:"window"`
	Cooldown         string `yaml:"cooldown"`
	MaxCooldown      string `yaml:"max_cooldown"`
}

// FetchConfig configures bundle downloads.
type FetchConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"` // per host; 0 disables limiting
	Burst             int     `yaml:"burst"`
	UserAgent         string  `yaml:"user_agent"`
	MaxBundleBytes    int64   `yaml:"max_bundle_bytes"`
}

// DefaultAllowedImports lists the stdlib packages bundles may import.
// os, os/exec, net, syscall and unsafe are deliberately absent.
func DefaultAllowedImports() []string {
	return []string{
		"bytes",
		"encoding/base64",
		"encoding/json",
		"errors",
		"fmt",
		"html",
		"html/template",
		"math",
		"regexp",
		"sort",
		"strconv",
		"strings",
		"sync",
		"text/template",
		"time",
		"unicode",
		"unicode/utf8",
	}
}

// GetBaseDelay returns the retry backoff base.
func (c *Config) GetBaseDelay() time.Duration {
	return parseDuration(c.Loader.BaseDelay, 200*time.Millisecond)
}

// GetMaxDelay returns the retry backoff cap.
func (c *Config) GetMaxDelay() time.Duration {
	return parseDuration(c.Loader.MaxDelay, 5*time.Second)
}

// GetAttemptTimeout returns the per-attempt timeout.
func (c *Config) GetAttemptTimeout() time.Duration {
	return parseDuration(c.Loader.AttemptTimeout, 10*time.Second)
}

// GetWindow returns the trailing failure window of the circuit breaker.
func (c *Config) GetWindow() time.Duration {
	return parseDuration(c.Circuit.Window, 60*time.Second)
}

// GetCooldown returns the initial open-state cooldown.
func (c *Config) GetCooldown() time.Duration {
	return parseDuration(c.Circuit.Cooldown, 30*time.Second)
}

// GetMaxCooldown returns the cooldown cap for repeated opens.
func (c *Config) GetMaxCooldown() time.Duration {
	return parseDuration(c.Circuit.MaxCooldown, 5*time.Minute)
}
