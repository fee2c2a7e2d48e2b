package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// ErrorCounter counts errors by type and endpoint
	ErrorCounter *prometheus.CounterVec
	// UpsertsTotal counts token record upserts by outcome
	UpsertsTotal *prometheus.CounterVec
	// ContentionRetriesTotal counts storage write-contention retries
	ContentionRetriesTotal prometheus.Counter
	// DecryptFallbacksTotal counts reads served from the legacy plaintext column
	DecryptFallbacksTotal prometheus.Counter
	// RefreshesTotal counts refresh outcomes by provider
	RefreshesTotal *prometheus.CounterVec
	// RefreshCoalescedTotal counts callers that shared an in-flight refresh
	RefreshCoalescedTotal prometheus.Counter
	// ServiceStatusChangesTotal counts capability status transitions
	ServiceStatusChangesTotal *prometheus.CounterVec
	// AccountMismatchesTotal counts rejected capability enables
	AccountMismatchesTotal *prometheus.CounterVec
	// RecordsValid tracks the current number of valid token records
	RecordsValid prometheus.Gauge
	// RecordsInvalid tracks the current number of invalid token records
	RecordsInvalid prometheus.Gauge
	// SweepDeletedTotal counts rows removed by the retention sweep
	SweepDeletedTotal prometheus.Counter
	// AlertsSentTotal counts delivered operator alerts
	AlertsSentTotal *prometheus.CounterVec
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "endpoint", "method"},
		),
		UpsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_upserts_total",
				Help:      "Total number of token record upserts",
			},
			[]string{"outcome"},
		),
		ContentionRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_contention_retries_total",
				Help:      "Total number of storage write-contention retries",
			},
		),
		DecryptFallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secret_decrypt_fallbacks_total",
				Help:      "Total number of secret reads served from the legacy plaintext column",
			},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of token refresh attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		RefreshCoalescedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_coalesced_total",
				Help:      "Total number of callers that shared an in-flight refresh",
			},
		),
		ServiceStatusChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_status_changes_total",
				Help:      "Total number of capability status transitions",
			},
			[]string{"capability", "status"},
		),
		AccountMismatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "account_mismatches_total",
				Help:      "Total number of capability enables rejected by the account-mismatch guard",
			},
			[]string{"provider"},
		),
		RecordsValid: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "token_records_valid",
				Help:      "Current number of valid token records",
			},
		),
		RecordsInvalid: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "token_records_invalid",
				Help:      "Current number of invalid token records awaiting retention sweep",
			},
		),
		SweepDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_deleted_rows_total",
				Help:      "Total number of rows removed by the retention sweep",
			},
		),
		AlertsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_sent_total",
				Help:      "Total number of delivered operator alerts",
			},
			[]string{"kind"},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.ErrorCounter,
		m.UpsertsTotal,
		m.ContentionRetriesTotal,
		m.DecryptFallbacksTotal,
		m.RefreshesTotal,
		m.RefreshCoalescedTotal,
		m.ServiceStatusChangesTotal,
		m.AccountMismatchesTotal,
		m.RecordsValid,
		m.RecordsInvalid,
		m.SweepDeletedTotal,
		m.AlertsSentTotal,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, endpoint, method string) {
	m.ErrorCounter.WithLabelValues(errorType, endpoint, method).Inc()
}

// RecordUpsert records a token record upsert outcome
func (m *Metrics) RecordUpsert(outcome string) {
	m.UpsertsTotal.WithLabelValues(outcome).Inc()
}

// RecordContentionRetry records a storage write-contention retry
func (m *Metrics) RecordContentionRetry() {
	m.ContentionRetriesTotal.Inc()
}

// RecordDecryptFallback records a secret read served from the legacy column
func (m *Metrics) RecordDecryptFallback() {
	m.DecryptFallbacksTotal.Inc()
}

// RecordRefresh records a refresh attempt outcome for a provider
func (m *Metrics) RecordRefresh(provider, outcome string) {
	m.RefreshesTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordRefreshCoalesced records a caller that shared an in-flight refresh
func (m *Metrics) RecordRefreshCoalesced() {
	m.RefreshCoalescedTotal.Inc()
}

// RecordServiceStatusChange records a capability status transition
func (m *Metrics) RecordServiceStatusChange(capability, status string) {
	m.ServiceStatusChangesTotal.WithLabelValues(capability, status).Inc()
}

// RecordAccountMismatch records a rejected capability enable
func (m *Metrics) RecordAccountMismatch(provider string) {
	m.AccountMismatchesTotal.WithLabelValues(provider).Inc()
}

// SetRecordCounts sets the current valid/invalid record gauges
func (m *Metrics) SetRecordCounts(valid, invalid int) {
	m.RecordsValid.Set(float64(valid))
	m.RecordsInvalid.Set(float64(invalid))
}

// RecordSweepDeleted adds rows removed by a retention sweep pass
func (m *Metrics) RecordSweepDeleted(count int64) {
	m.SweepDeletedTotal.Add(float64(count))
}

// RecordAlertSent records a delivered operator alert
func (m *Metrics) RecordAlertSent(kind string) {
	m.AlertsSentTotal.WithLabelValues(kind).Inc()
}
