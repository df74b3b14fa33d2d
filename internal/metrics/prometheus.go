package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for MemeMorph
type PrometheusMetrics struct {
	// Reconciliation metrics
	ReconcileRunsTotal       *prometheus.CounterVec
	ReconcileDuration        *prometheus.HistogramVec
	ReconcileCandidates      prometheus.Histogram
	StaleCandidatesTotal     prometheus.Counter
	MetadataFailuresTotal    *prometheus.CounterVec
	StaleGenerationsTotal    prometheus.Counter
	CollectionSubscribers    prometheus.Gauge
	IndexEnumerationFailures prometheus.Counter

	// Connection and error metrics
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec

	// Chain metrics
	ChainID prometheus.Gauge

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		// Reconciliation metrics
		ReconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mememorph_reconcile_runs_total",
				Help: "Total number of ownership reconciliation passes",
			},
			[]string{"path", "status"},
		),

		ReconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mememorph_reconcile_duration_seconds",
				Help:    "Time spent in one reconciliation pass",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),

		ReconcileCandidates: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mememorph_reconcile_candidates",
				Help:    "Candidate token ids derived from transfer logs per pass",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),

		StaleCandidatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mememorph_stale_candidates_total",
				Help: "Candidates dropped because ownerOf disagreed with the logs",
			},
		),

		MetadataFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mememorph_metadata_failures_total",
				Help: "Best-effort metadata reads that fell back to a default",
			},
			[]string{"field"},
		),

		StaleGenerationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mememorph_stale_generations_total",
				Help: "Reconciliation results discarded because a newer refresh already landed",
			},
		),

		CollectionSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mememorph_collection_subscribers",
				Help: "Active collection update subscriptions",
			},
		),

		IndexEnumerationFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mememorph_index_enumeration_failures_total",
				Help: "tokenOfOwnerByIndex reads that were skipped",
			},
		),

		// Connection and error metrics
		ConnectionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mememorph_connection_errors_total",
				Help: "Total number of connection errors to chain nodes",
			},
			[]string{"endpoint", "error_type"},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mememorph_rpc_requests_total",
				Help: "Total number of RPC requests made to chain nodes",
			},
			[]string{"endpoint", "method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mememorph_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to chain nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "method"},
		),

		ChainID: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mememorph_chain_id",
				Help: "Chain id reported by the connected node",
			},
		),

		// Storage metrics
		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mememorph_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mememorph_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		// API metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mememorph_http_requests_total",
				Help: "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mememorph_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mememorph_refresh_rate_limited_total",
				Help: "Refresh requests rejected by the rate limiter",
			},
		),

		// Application health metrics
		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mememorph_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mememorph_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mememorph_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mememorph_goroutines",
				Help: "Number of running goroutines",
			},
		),
	}
}

// RecordReconcileRun records one finished reconciliation pass
func (m *PrometheusMetrics) RecordReconcileRun(path, status string, duration time.Duration) {
	m.ReconcileRunsTotal.WithLabelValues(path, status).Inc()
	m.ReconcileDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordCandidates records the candidate set size of a pass
func (m *PrometheusMetrics) RecordCandidates(count int) {
	m.ReconcileCandidates.Observe(float64(count))
}

// RecordStaleCandidates records candidates dropped by the ownership check
func (m *PrometheusMetrics) RecordStaleCandidates(count int) {
	m.StaleCandidatesTotal.Add(float64(count))
}

// RecordMetadataFailure records a defaulted tokenURI or creator read
func (m *PrometheusMetrics) RecordMetadataFailure(field string) {
	m.MetadataFailuresTotal.WithLabelValues(field).Inc()
}

// RecordIndexEnumerationFailure records a skipped enumeration index
func (m *PrometheusMetrics) RecordIndexEnumerationFailure() {
	m.IndexEnumerationFailures.Inc()
}

// RecordStaleGeneration records a discarded out-of-date refresh result
func (m *PrometheusMetrics) RecordStaleGeneration() {
	m.StaleGenerationsTotal.Inc()
}

// UpdateCollectionSubscribers sets the number of active subscriptions
func (m *PrometheusMetrics) UpdateCollectionSubscribers(count int) {
	m.CollectionSubscribers.Set(float64(count))
}

// RecordConnectionError records a connection error
func (m *PrometheusMetrics) RecordConnectionError(endpoint, errorType string) {
	m.ConnectionErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(endpoint, method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// UpdateChainID records the chain id of the connected node
func (m *PrometheusMetrics) UpdateChainID(chainID uint64) {
	m.ChainID.Set(float64(chainID))
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimited records a rejected refresh
func (m *PrometheusMetrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
