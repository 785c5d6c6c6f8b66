// Package metrics provides Prometheus metrics for pakedrop.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pakedrop"
)

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Transfer metrics
	TransfersActive prometheus.Gauge
	TransfersTotal  *prometheus.CounterVec
	SessionsReaped  prometheus.Counter

	// Data transfer metrics
	BytesTransferred   *prometheus.CounterVec
	ChunksProcessed    *prometheus.CounterVec
	PlaintextTransfers prometheus.Counter

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec

	// Progress broadcast metrics
	Subscribers         prometheus.Gauge
	BroadcastsSent      prometheus.Counter
	BroadcastSendErrors prometheus.Counter

	// Presence metrics
	PresenceClients prometheus.Gauge
	PresenceEvents  *prometheus.CounterVec
	PresencePings   prometheus.Counter
	PresenceRejects prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Transfer metrics
		TransfersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_active",
			Help:      "Number of transfers currently in the registry",
		}),
		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total transfers reaching a terminal state by outcome",
		}, []string{"outcome"}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Total abandoned sessions removed by the janitor",
		}),

		// Data transfer metrics
		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Total plaintext bytes processed by direction",
		}, []string{"direction"}),
		ChunksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_processed_total",
			Help:      "Total chunks processed by direction",
		}, []string{"direction"}),
		PlaintextTransfers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plaintext_transfers_total",
			Help:      "Total transfers that ran without an established key",
		}),

		// Handshake metrics
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of key exchange latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total failed key exchanges by error type",
		}, []string{"error_type"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures by stage",
		}, []string{"stage"}),

		// Progress broadcast metrics
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_subscribers",
			Help:      "Number of connected progress subscribers",
		}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_broadcasts_total",
			Help:      "Total progress snapshots delivered",
		}),
		BroadcastSendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_send_errors_total",
			Help:      "Total progress snapshots that failed to send",
		}),

		// Presence metrics
		PresenceClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_clients",
			Help:      "Number of connected presence clients",
		}),
		PresenceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_events_total",
			Help:      "Total presence events fanned out by type",
		}, []string{"event"}),
		PresencePings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_pings_total",
			Help:      "Total liveness pings sent to idle presence clients",
		}),
		PresenceRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_rejects_total",
			Help:      "Total duplicate presence connections rejected",
		}),
	}

	return m
}

// RecordTransferStart records a session entering the registry.
func (m *Metrics) RecordTransferStart() {
	m.TransfersActive.Inc()
}

// RecordTransferEnd records a session leaving the registry.
func (m *Metrics) RecordTransferEnd() {
	m.TransfersActive.Dec()
}

// RecordOutcome records a session reaching a terminal state.
func (m *Metrics) RecordOutcome(outcome string) {
	m.TransfersTotal.WithLabelValues(outcome).Inc()
}

// RecordReaped records a session removed by the janitor.
func (m *Metrics) RecordReaped() {
	m.SessionsReaped.Inc()
}

// RecordChunk records one processed chunk of n plaintext bytes.
func (m *Metrics) RecordChunk(direction string, n int) {
	m.ChunksProcessed.WithLabelValues(direction).Inc()
	m.BytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// RecordPlaintextTransfer records a transfer using the unencrypted fallback.
func (m *Metrics) RecordPlaintextTransfer() {
	m.PlaintextTransfers.Inc()
}

// RecordHandshake records a completed key exchange.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failed key exchange.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordAuthFailure records a confirmation or chunk tag failure.
func (m *Metrics) RecordAuthFailure(stage string) {
	m.AuthFailures.WithLabelValues(stage).Inc()
}

// RecordSubscribe records a progress subscriber joining.
func (m *Metrics) RecordSubscribe() {
	m.Subscribers.Inc()
}

// RecordUnsubscribe records a progress subscriber leaving.
func (m *Metrics) RecordUnsubscribe() {
	m.Subscribers.Dec()
}

// RecordBroadcast records a snapshot delivery attempt.
func (m *Metrics) RecordBroadcast(ok bool) {
	if ok {
		m.BroadcastsSent.Inc()
		return
	}
	m.BroadcastSendErrors.Inc()
}

// RecordPresenceConnect records a presence client joining.
func (m *Metrics) RecordPresenceConnect() {
	m.PresenceClients.Inc()
}

// RecordPresenceDisconnect records a presence client leaving.
func (m *Metrics) RecordPresenceDisconnect() {
	m.PresenceClients.Dec()
}

// RecordPresenceEvent records an event fanned out to n clients.
func (m *Metrics) RecordPresenceEvent(event string, n int) {
	m.PresenceEvents.WithLabelValues(event).Add(float64(n))
}

// RecordPresencePing records a liveness ping.
func (m *Metrics) RecordPresencePing() {
	m.PresencePings.Inc()
}

// RecordPresenceReject records a rejected duplicate connection.
func (m *Metrics) RecordPresenceReject() {
	m.PresenceRejects.Inc()
}
