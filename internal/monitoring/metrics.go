// Package monitoring exposes the service's Prometheus metrics and an
// instrumented transport for outbound brokerage calls.
package monitoring

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// HTTP surface
	HTTPRequestDuration *prometheus.HistogramVec

	// Outbound brokerage calls
	BrokerageRequestTotal    *prometheus.CounterVec
	BrokerageRequestDuration *prometheus.HistogramVec

	// Background sync loops
	SyncPassDuration    *prometheus.HistogramVec
	SyncPassTotal       *prometheus.CounterVec
	SyncConnectionTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all service metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "account_connections_http_request_duration_seconds",
				Help:    "Duration of handled HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),

		BrokerageRequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "account_connections_brokerage_requests_total",
				Help: "Total outbound brokerage API requests",
			},
			[]string{"operation", "outcome"}, // outcome: 2xx, 3xx, 4xx, 5xx, error
		),

		BrokerageRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "account_connections_brokerage_request_duration_seconds",
				Help:    "Duration of outbound brokerage API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		SyncPassDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "account_connections_sync_pass_duration_seconds",
				Help:    "Duration of one background sync pass",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"task"},
		),

		SyncPassTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "account_connections_sync_passes_total",
				Help: "Total background sync passes",
			},
			[]string{"task", "outcome"}, // outcome: ok, error
		),

		SyncConnectionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "account_connections_sync_connections_total",
				Help: "Per-connection outcomes inside background sync passes",
			},
			[]string{"task", "outcome"}, // outcome: synced, refreshed, deactivated, failed
		),
	}
}

// RecordHTTPRequest records one handled request. Route is the mux
// template, not the raw path, to keep cardinality bounded.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, statusClass(status)).Observe(duration.Seconds())
}

// RecordSyncPass records the outcome of one full sync pass.
func (m *Metrics) RecordSyncPass(task string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SyncPassTotal.WithLabelValues(task, outcome).Inc()
	m.SyncPassDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// RecordSyncConnection records a per-connection outcome within a pass.
func (m *Metrics) RecordSyncConnection(task, outcome string) {
	m.SyncConnectionTotal.WithLabelValues(task, outcome).Inc()
}

// Transport instruments outbound brokerage requests. Operation is the
// first path segment, so /challenge/{id}/respond/ collapses into one
// series.
type Transport struct {
	Base    http.RoundTripper
	Metrics *Metrics
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	operation := operationLabel(req.URL.Path)
	start := time.Now()
	resp, err := base.RoundTrip(req)
	t.Metrics.BrokerageRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		t.Metrics.BrokerageRequestTotal.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	t.Metrics.BrokerageRequestTotal.WithLabelValues(operation, statusClass(resp.StatusCode)).Inc()
	return resp, nil
}

func operationLabel(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "root"
	}
	if segment, _, found := strings.Cut(trimmed, "/"); found {
		return segment
	}
	return trimmed
}

func statusClass(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
