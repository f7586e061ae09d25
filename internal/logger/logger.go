// Package logger provides per-subsystem structured loggers built on log/slog.
//
// Levels and format are read from the environment:
//
//	ENET_LOG_LEVEL=host=debug,info   # host at debug, everything else at info
//	ENET_LOG_FORMAT=json             # text (default) or json
//
// Usage:
//
//	var log = logger.Logger("host")
//	log.Debug("datagram dropped", "addr", addr, "err", err)
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	loggers  sync.Map // subsystem -> *slog.Logger
	handlers sync.Map // subsystem -> *subsystemHandler
)

// Logger returns the logger for a subsystem. Repeated calls with the same
// name return the same instance.
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := ConfigFromEnv()
	h := newHandler(subsystem, cfg.LevelForSubsystem(subsystem), cfg.Format)

	actual, loaded := loggers.LoadOrStore(subsystem, slog.New(h))
	if !loaded {
		handlers.Store(subsystem, h)
	}
	return actual.(*slog.Logger)
}

// SetLevel changes the level of an existing subsystem logger.
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).level.Set(level)
	}
}

// SetGlobalLevel changes the level of every subsystem logger created so far.
func SetGlobalLevel(level slog.Level) {
	handlers.Range(func(_, value any) bool {
		value.(*subsystemHandler).level.Set(level)
		return true
	})
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// SetOutput redirects every logger, including those already created.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}
