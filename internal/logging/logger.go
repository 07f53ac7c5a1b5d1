// Package logging provides config-driven categorized logging for fragmesh.
// Every component receives a *zap.Logger; categories are zap logger names so a
// single sink can be filtered per subsystem.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Boot/initialization
	CategoryHost     Category = "host"     // Runtime composition (mount/unmount)
	CategoryLoader   Category = "loader"   // Remote module fetch/execute
	CategoryCircuit  Category = "circuit"  // Circuit breaker transitions
	CategoryResolver Category = "resolver" // Shared dependency reservations
	CategoryBus      Category = "bus"      // Event delivery
	CategoryState    Category = "state"    // Shared state writes
	CategoryManifest Category = "manifest" // Manifest loading and watching
	CategoryCache    Category = "cache"    // Bundle cache
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string
	Format     string // json, console
	File       string // empty means stderr
	Categories map[string]bool
}

// New builds the root logger. Disabled categories are dropped at the core so
// callers never need to check.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console", "text":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format: %s", cfg.Format)
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	var core zapcore.Core = zapcore.NewCore(enc, sink, level)
	if len(cfg.Categories) > 0 {
		core = &categoryCore{Core: core, enabled: cfg.Categories}
	}
	return zap.New(core, zap.AddCaller()), nil
}

// ParseLevel maps the config level strings onto zap levels. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", s)
	}
}

// For returns the category logger derived from base. A nil base yields a no-op
// logger, which is what components use when the host passes nothing.
func For(base *zap.Logger, category Category) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.Named(string(category))
}

// categoryCore filters entries by logger name (the category). Categories not
// listed are enabled.
type categoryCore struct {
	zapcore.Core
	enabled map[string]bool
}

func (c *categoryCore) With(fields []zapcore.Field) zapcore.Core {
	return &categoryCore{Core: c.Core.With(fields), enabled: c.enabled}
}

func (c *categoryCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	root := ent.LoggerName
	if i := strings.IndexByte(root, '.'); i >= 0 {
		root = root[:i]
	}
	if on, ok := c.enabled[root]; ok && !on {
		return ce
	}
	return c.Core.Check(ent, ce)
}
