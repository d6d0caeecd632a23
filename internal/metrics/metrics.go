// Package metrics provides optional Prometheus metrics for the connection pipeline.
//
// Metrics are per process. When disabled, the server uses a no-op
// implementation with zero overhead.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics records connection and request outcomes.
type ServerMetrics interface {
	// RecordRequest records a completed request with its method, status,
	// handling time and response body size.
	RecordRequest(method string, status int, duration time.Duration, respBytes int64)

	// RecordConnectionAccepted increments the accepted-connection counter and
	// the in-flight gauge.
	RecordConnectionAccepted()

	// RecordConnectionClosed decrements the in-flight gauge.
	RecordConnectionClosed()

	// RecordFramingError counts connections that did not yield a parseable
	// request, labelled by reason (e.g. "empty", "incomplete_header").
	RecordFramingError(reason string)
}

type promMetrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	responseBytes       prometheus.Counter
	connectionsAccepted prometheus.Counter
	activeConnections   prometheus.Gauge
	framingErrors       *prometheus.CounterVec
}

// NewPrometheus registers the server metrics on reg.
func NewPrometheus(reg prometheus.Registerer) ServerMetrics {
	f := promauto.With(reg)
	return &promMetrics{
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "httpfs_requests_total",
				Help: "Total number of requests by method and status code",
			},
			[]string{"method", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "httpfs_request_duration_seconds",
				Help: "Time from complete request frame to response written",
				Buckets: []float64{
					0.0005,
					0.001,
					0.005,
					0.01,
					0.05,
					0.1,
					0.5,
					1,
					5,
				},
			},
			[]string{"method"},
		),
		responseBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "httpfs_response_body_bytes_total",
			Help: "Total response body bytes written",
		}),
		connectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "httpfs_connections_accepted_total",
			Help: "Total number of connections accepted",
		}),
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "httpfs_active_connections",
			Help: "Connections currently being handled",
		}),
		framingErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "httpfs_framing_errors_total",
				Help: "Connections that did not produce a parseable request",
			},
			[]string{"reason"},
		),
	}
}

func (m *promMetrics) RecordRequest(method string, status int, duration time.Duration, respBytes int64) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
	m.responseBytes.Add(float64(respBytes))
}

func (m *promMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
	m.activeConnections.Inc()
}

func (m *promMetrics) RecordConnectionClosed() {
	m.activeConnections.Dec()
}

func (m *promMetrics) RecordFramingError(reason string) {
	m.framingErrors.WithLabelValues(reason).Inc()
}

// NewNoop returns a ServerMetrics that records nothing.
func NewNoop() ServerMetrics { return noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) RecordRequest(string, int, time.Duration, int64) {}
func (noopMetrics) RecordConnectionAccepted()                       {}
func (noopMetrics) RecordConnectionClosed()                         {}
func (noopMetrics) RecordFramingError(string)                       {}
