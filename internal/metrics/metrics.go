// Package metrics is the proxy's Prometheus-style registry (C5): counters,
// gauges and a histogram, pre-registered and updated from the hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every pre-registered instrument the forwarder and control
// API update.
type Metrics struct {
	RequestsTotal        prometheus.Counter
	ResponsesTotal       prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec
	RequestsInProgress   prometheus.Gauge
	ActiveConnections    prometheus.Gauge
	RequestDurationSecs  *prometheus.HistogramVec
}

// New registers every metric against reg (typically prometheus.NewRegistry()).
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mtls_proxy",
			Name:      "requests_total",
			Help:      "Total inbound requests accepted by the forwarder.",
		}),
		ResponsesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mtls_proxy",
			Name:      "responses_total",
			Help:      "Total responses returned to inbound clients.",
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtls_proxy",
			Name:      "errors_total",
			Help:      "Total errors by kind.",
		}, []string{"kind"}), // request|tls|timeout|connection
		RequestsInProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtls_proxy",
			Name:      "requests_in_progress",
			Help:      "Requests currently being admitted or processed.",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtls_proxy",
			Name:      "active_connections",
			Help:      "Upstream connections currently open.",
		}),
		RequestDurationSecs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mtls_proxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status_class"}),
	}
}

// Error kinds for ErrorsTotal's "kind" label, matching spec.md §4.5's typed subsets.
const (
	ErrorKindRequest    = "request"
	ErrorKindTLS        = "tls"
	ErrorKindTimeout    = "timeout"
	ErrorKindConnection = "connection"
)
