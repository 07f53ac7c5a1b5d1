package config

import "fragmesh/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, console
	File       string          `yaml:"file"`       // empty logs to stderr
	Categories map[string]bool `yaml:"categories"` // Per-category toggles, unlisted = enabled
}

// LoggerConfig converts to the logging package's config.
func (c *LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		Categories: c.Categories,
	}
}

// ParseLogLevel validates a level string.
func ParseLogLevel(level string) (string, error) {
	if _, err := logging.ParseLevel(level); err != nil {
		return "", err
	}
	return level, nil
}
