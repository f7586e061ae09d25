package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Format selects the log encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config is the parsed logging environment.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
	Format          Format
}

// LevelForSubsystem returns the configured level for a subsystem.
func (c *Config) LevelForSubsystem(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

var (
	configCache *Config
	configOnce  sync.Once
)

// ConfigFromEnv parses ENET_LOG_LEVEL and ENET_LOG_FORMAT once and caches
// the result.
func ConfigFromEnv() *Config {
	configOnce.Do(func() {
		configCache = ParseConfig(os.Getenv("ENET_LOG_LEVEL"), os.Getenv("ENET_LOG_FORMAT"))
	})
	return configCache
}

// ParseConfig parses a level string of the form "sub=level,sub=level,default"
// and a format name.
func ParseConfig(levels, format string) *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
	}
	for _, part := range strings.Split(levels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, value, ok := strings.Cut(part, "="); ok {
			if level, ok := parseLevel(value); ok {
				cfg.SubsystemLevels[strings.TrimSpace(name)] = level
			}
			continue
		}
		if level, ok := parseLevel(part); ok {
			cfg.DefaultLevel = level
		}
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		cfg.Format = FormatJSON
	}
	return cfg
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// ResetConfig drops the cached environment config. Tests only.
func ResetConfig() {
	configOnce = sync.Once{}
	configCache = nil
}
