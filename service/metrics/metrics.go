package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Chain RPC Metrics
	chainRPCCallsTotal   *prometheus.CounterVec
	chainRPCCallDuration *prometheus.HistogramVec
	chainConnectRetries  *prometheus.CounterVec

	// Chain Connection Metrics
	chainConnectionReady *prometheus.GaugeVec
	chainNextNonce       *prometheus.GaugeVec
	chainSubmissions     *prometheus.CounterVec

	// Drip Metrics
	dripRequestsTotal *prometheus.CounterVec
	dripDuration      *prometheus.HistogramVec
	cooldownActive    prometheus.Gauge

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Chain RPC Metrics
		chainRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by network, method and status",
			},
			[]string{"network", "method", "status"},
		),
		chainRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"network", "method"},
		),
		chainConnectRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_connect_retries_total",
				Help: "Total number of chain connection retry attempts",
			},
			[]string{"network"},
		),

		// Chain Connection Metrics
		chainConnectionReady: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chain_connection_ready",
				Help: "1 when the chain connection is ready for dispatch, 0 otherwise",
			},
			[]string{"network"},
		),
		chainNextNonce: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chain_next_nonce",
				Help: "Next nonce the funding account will use on the chain",
			},
			[]string{"network"},
		),
		chainSubmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_submissions_total",
				Help: "Total number of signed transaction submissions by network and status",
			},
			[]string{"network", "status"},
		),

		// Drip Metrics
		dripRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_requests_total",
				Help: "Total number of drip requests by outcome",
			},
			[]string{"status"},
		),
		dripDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drip_duration_seconds",
				Help:    "Duration of drip requests in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		cooldownActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cooldown_active",
				Help: "Number of requesters currently inside a cooldown window",
			},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Chain RPC metric helpers

// RecordRPCCall records a chain RPC call with duration.
func (m *Metrics) RecordRPCCall(network, method, status string, duration float64) {
	m.chainRPCCallsTotal.WithLabelValues(network, method, status).Inc()
	m.chainRPCCallDuration.WithLabelValues(network, method).Observe(duration)
}

// RecordConnectRetry records a retried connection attempt.
func (m *Metrics) RecordConnectRetry(network string) {
	m.chainConnectRetries.WithLabelValues(network).Inc()
}

// Chain connection metric helpers

// SetConnectionReady records whether a chain is currently dispatchable.
func (m *Metrics) SetConnectionReady(network string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	m.chainConnectionReady.WithLabelValues(network).Set(v)
}

// SetNextNonce records the next nonce of the funding account on a chain.
func (m *Metrics) SetNextNonce(network string, nonce uint64) {
	m.chainNextNonce.WithLabelValues(network).Set(float64(nonce))
}

// RecordSubmission records one signed submission.
func (m *Metrics) RecordSubmission(network, status string) {
	m.chainSubmissions.WithLabelValues(network, status).Inc()
}

// Drip metric helpers

// RecordDrip records a finished drip request.
func (m *Metrics) RecordDrip(status string, duration float64) {
	m.dripRequestsTotal.WithLabelValues(status).Inc()
	m.dripDuration.WithLabelValues(status).Observe(duration)
}

// SetCooldownActive records the size of the cooldown set.
func (m *Metrics) SetCooldownActive(count int) {
	m.cooldownActive.Set(float64(count))
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
