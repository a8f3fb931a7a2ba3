// Package metrics provides Prometheus metrics for zia.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zia"

// Metrics contains all Prometheus metrics for the tunnel.
type Metrics struct {
	// Relay metrics
	DatagramsRead      prometheus.Counter
	DatagramsForwarded prometheus.Counter
	DatagramsReturned  prometheus.Counter
	DatagramsDropped   *prometheus.CounterVec
	BytesForwarded     prometheus.Counter
	BytesReturned      prometheus.Counter
	FramesReceived     prometheus.Counter

	// Pool metrics
	PoolSize      prometheus.Gauge
	PoolExhausted prometheus.Counter

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	HandshakeErrors   prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_read_total",
			Help:      "Total datagrams read from the UDP socket",
		}),
		DatagramsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagrams framed and written to a tunnel connection",
		}),
		DatagramsReturned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_returned_total",
			Help:      "Total decoded payloads injected back into the UDP socket",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes forwarded to tunnel connections",
		}),
		BytesReturned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_returned_total",
			Help:      "Total payload bytes returned to the UDP peer",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total binary frames decoded from tunnel connections",
		}),

		PoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Write connections currently idle in the pool",
		}),
		PoolExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Times the write multiplexer found the pool empty and backed off",
		}),

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Tunnel connections currently established",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total tunnel connections by direction",
		}, []string{"direction"}),
		HandshakeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total failed WebSocket upgrade handshakes",
		}),
	}
}

// RecordConnect records one established tunnel connection.
// Direction is "outbound" for dialed connections, "inbound" for accepted.
func (m *Metrics) RecordConnect(direction string) {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(direction).Inc()
}

// RecordDisconnect records one torn-down tunnel connection.
func (m *Metrics) RecordDisconnect() {
	m.ConnectionsActive.Dec()
}
