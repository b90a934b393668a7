// Package metrics provides Prometheus metrics for the cipherline server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cipherline"

// Metrics collects Prometheus instrumentation for the relay server. It
// satisfies server.Metrics.
type Metrics struct {
	ClientsRegisteredTotal prometheus.Counter
	SessionsActive         prometheus.Gauge
	SessionsTotal          prometheus.Counter
	MessagesRelayedTotal   prometheus.Counter
	PushQueueSessions      prometheus.Gauge
	PushQueueDepthTotal    prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the global
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against
// reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ClientsRegisteredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_registered_total",
			Help:      "Total number of clients registered",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently authenticated sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions that reached authentication",
		}),
		MessagesRelayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Total number of messages accepted by SendMessage",
		}),
		PushQueueSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_queue_sessions",
			Help:      "Number of sessions with a live push queue",
		}),
		PushQueueDepthTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_queue_depth",
			Help:      "Depth of the push queue most recently reported",
		}),
	}
}

// ClientRegistered records a successful Register call.
func (m *Metrics) ClientRegistered() {
	m.ClientsRegisteredTotal.Inc()
}

// SessionStarted records a session reaching authentication.
func (m *Metrics) SessionStarted() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// SessionEnded records a session tearing down.
func (m *Metrics) SessionEnded() {
	m.SessionsActive.Dec()
}

// MessageRelayed records a message accepted by SendMessage.
func (m *Metrics) MessageRelayed() {
	m.MessagesRelayedTotal.Inc()
}

// PushQueueDepth reports the current session count and a sampled queue
// depth. The server reports it when a session attaches its push queue and
// after each message is enqueued; dequeues and teardown do not report.
func (m *Metrics) PushQueueDepth(clientCount, depth int) {
	m.PushQueueSessions.Set(float64(clientCount))
	m.PushQueueDepthTotal.Set(float64(depth))
}
