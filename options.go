package enet

import (
	"log/slog"

	"github.com/benbjohnson/clock"
)

// Option configures a Host.
type Option func(*Host)

// WithConfig replaces the default configuration. The peer count, channel
// limit and bandwidth arguments of NewHost take precedence over the
// corresponding Config fields.
func WithConfig(cfg Config) Option {
	return func(h *Host) { h.config = cfg }
}

// WithClock sets the clock the service time is read from.
func WithClock(c clock.Clock) Option {
	return func(h *Host) { h.clock = c }
}

// WithLogger sets the host logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithMetrics records host traffic in m.
func WithMetrics(m *Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithCompressor compresses datagram bodies with c.
func WithCompressor(c Compressor) Option {
	return func(h *Host) { h.compressor = c }
}

// WithChecksum adds a checksum computed by f to every datagram.
func WithChecksum(f ChecksumFunc) Option {
	return func(h *Host) { h.checksum = f }
}
