package server

import (
	"strconv"

	"github.com/danmuck/dps_backup/src/api/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dps_backup"

// Metrics are the server's prometheus collectors.
type Metrics struct {
	requests    *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	connections prometheus.Gauge
	duration    *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry, which keeps the server usable without a metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests answered, by operation and response status code",
		}, []string{"op", "status"}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_total",
			Help:      "File payload bytes moved, by direction (in = backup, out = restore)",
		}, []string{"direction"}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Client connections currently open",
		}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request header to the end of the response",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) observe(op protocol.OpCode, status protocol.StatusCode, seconds float64) {
	m.requests.WithLabelValues(op.String(), strconv.Itoa(int(status))).Inc()
	m.duration.WithLabelValues(op.String()).Observe(seconds)
}

func (m *Metrics) addBytes(direction string, n int64) {
	if n > 0 {
		m.bytes.WithLabelValues(direction).Add(float64(n))
	}
}
