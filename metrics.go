package enet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus collectors of a Host.
type MetricsConfig struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	// Buckets are the round trip time histogram buckets, in seconds.
	Buckets  []float64
	Registry prometheus.Registerer
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

// WithConstLabels sets labels added to every metric.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// WithRegistry sets the registry the collectors are registered with.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "enet",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the traffic collectors of a Host. A nil *Metrics records
// nothing.
type Metrics struct {
	datagramsSent     prometheus.Counter
	datagramsReceived prometheus.Counter
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	protocolErrors    *prometheus.CounterVec
	retransmissions   prometheus.Counter
	throttledPackets  prometheus.Counter
	events            *prometheus.CounterVec
	connectedPeers    prometheus.Gauge
	roundTripTime     prometheus.Histogram
}

// NewMetrics creates and registers the collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}

	return &Metrics{
		datagramsSent:     counter("datagrams_sent_total", "Datagrams sent"),
		datagramsReceived: counter("datagrams_received_total", "Datagrams received"),
		bytesSent:         counter("sent_bytes_total", "Bytes sent, headers included"),
		bytesReceived:     counter("received_bytes_total", "Bytes received, headers included"),
		retransmissions:   counter("retransmissions_total", "Reliable commands that timed out and were queued for resend"),
		throttledPackets:  counter("throttled_packets_total", "Unreliable packets dropped by the packet throttle"),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "protocol_errors_total",
			Help:        "Received datagrams or commands rejected as malformed",
			ConstLabels: cfg.ConstLabels,
		}, []string{"command"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "events_total",
			Help:        "Events delivered to the application",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),
		connectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connected_peers",
			Help:        "Peers in the connected or disconnect-later state",
			ConstLabels: cfg.ConstLabels,
		}),
		roundTripTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "round_trip_time_seconds",
			Help:        "Measured round trip times of acknowledged reliable commands",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),
	}
}

func (m *Metrics) datagramSent(n int) {
	if m == nil {
		return
	}
	m.datagramsSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) datagramReceived(n int) {
	if m == nil {
		return
	}
	m.datagramsReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) protocolError(cmd CommandType) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(cmd.String()).Inc()
}

func (m *Metrics) retransmission() {
	if m != nil {
		m.retransmissions.Inc()
	}
}

func (m *Metrics) throttled() {
	if m != nil {
		m.throttledPackets.Inc()
	}
}

func (m *Metrics) event(t EventType) {
	if m != nil {
		m.events.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) setConnectedPeers(n int) {
	if m != nil {
		m.connectedPeers.Set(float64(n))
	}
}

func (m *Metrics) observeRoundTrip(ms uint32) {
	if m != nil {
		m.roundTripTime.Observe(float64(ms) / 1000)
	}
}
