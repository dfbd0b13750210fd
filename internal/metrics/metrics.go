// Package metrics exposes gateway counters in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentgate"

// Metrics holds the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections           prometheus.Gauge
	frames                *prometheus.CounterVec
	rejections            *prometheus.CounterVec
	turns                 *prometheus.CounterVec
	authFailures          prometheus.Counter
	heartbeatTerminations prometheus.Counter
}

// New registers the gateway collectors on reg. sessions, if set, backs the live sessions gauge.
func New(reg prometheus.Registerer, sessions func() int) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound client frames by type.",
		}, []string{"type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Actions rejected by the rate limiter by dimension.",
		}, []string{"dimension"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished agent turns by outcome.",
		}, []string{"outcome"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Connections closed because authentication failed.",
		}),
		heartbeatTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_terminations_total",
			Help:      "Connections terminated after a missed heartbeat.",
		}),
	}
	reg.MustRegister(m.connections, m.frames, m.rejections, m.turns, m.authFailures, m.heartbeatTerminations)

	if sessions != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live sessions in the registry.",
		}, func() float64 { return float64(sessions()) }))
	}
	return m
}

// ConnectionOpened increments the connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

// ConnectionClosed decrements the connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// FrameReceived counts an inbound frame.
func (m *Metrics) FrameReceived(frameType string) {
	if m != nil {
		m.frames.WithLabelValues(frameType).Inc()
	}
}

// Rejected counts a rate-limit rejection.
func (m *Metrics) Rejected(dimension string) {
	if m != nil {
		m.rejections.WithLabelValues(dimension).Inc()
	}
}

// TurnFinished counts a finished turn.
func (m *Metrics) TurnFinished(outcome string) {
	if m != nil {
		m.turns.WithLabelValues(outcome).Inc()
	}
}

// AuthFailed counts a rejected handshake.
func (m *Metrics) AuthFailed() {
	if m != nil {
		m.authFailures.Inc()
	}
}

// HeartbeatTerminated counts a connection dropped by the heartbeat monitor.
func (m *Metrics) HeartbeatTerminated() {
	if m != nil {
		m.heartbeatTerminations.Inc()
	}
}
