// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestEventsTotal tracks broadcast events handled by status
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of broadcast events handled by status",
		},
		[]string{"status"},
	)

	// IngestBatchDuration tracks how long a batch of events takes, locks included
	IngestBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ingest",
			Name:      "batch_duration_seconds",
			Help:      "Duration of handled event batches in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// EntitiesWrittenTotal tracks content writes by kind
	EntitiesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "store",
			Name:      "entities_written_total",
			Help:      "Total number of content entities written by kind",
		},
		[]string{"kind"},
	)

	// LockWaitDuration tracks time spent waiting for key locks
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "keylock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for key locks in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"scope"},
	)

	// FetchesTotal tracks entities fetched from upstream by kind
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "fetching",
			Name:      "entities_fetched_total",
			Help:      "Total number of entities fetched from upstream by kind",
		},
		[]string{"kind"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// APIRequestsTotal tracks inbound API requests
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// APIRequestDuration tracks inbound API request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ScheduleUnitsTotal tracks processed work units by status
	ScheduleUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "schedule",
			Name:      "units_total",
			Help:      "Total number of channel-day work units by status",
		},
		[]string{"status"},
	)

	// ScheduleRunsTotal tracks job family runs by status
	ScheduleRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "schedule",
			Name:      "runs_total",
			Help:      "Total number of job runs by job and status",
		},
		[]string{"job", "status"},
	)

	// ScheduleRunDuration tracks job family run duration
	ScheduleRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "schedule",
			Name:      "run_duration_seconds",
			Help:      "Duration of job runs in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
		[]string{"job"},
	)

	// UnitsInFlight tracks work units currently being processed
	UnitsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "schedule",
			Name:      "units_in_flight",
			Help:      "Number of work units currently being processed",
		},
	)

	// RateLimitWaitTime tracks time spent waiting for upstream rate limits
	RateLimitWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for rate limits in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"limit_name"},
	)

	// UpstreamThrottledTotal tracks upstream 429 responses
	UpstreamThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "upstream_throttled_total",
			Help:      "Total number of throttled upstream responses",
		},
	)

	// AuditEventsTotal tracks audit reports by outcome and publish status
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Total number of audit events by outcome and publish status",
		},
		[]string{"outcome", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	// RedisOperationDuration tracks Redis operation duration
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"operation"},
	)
)

// RecordIngestBatch records the outcome of a handled batch
func RecordIngestBatch(succeeded, failed int, durationSeconds float64) {
	IngestEventsTotal.WithLabelValues("success").Add(float64(succeeded))
	IngestEventsTotal.WithLabelValues("failure").Add(float64(failed))
	IngestBatchDuration.Observe(durationSeconds)
}

// RecordEntityWritten records a content write
func RecordEntityWritten(kind string) {
	EntitiesWrittenTotal.WithLabelValues(kind).Inc()
}

// RecordLockWait records time spent acquiring a lock scope ("items" or "containers")
func RecordLockWait(scope string, durationSeconds float64) {
	LockWaitDuration.WithLabelValues(scope).Observe(durationSeconds)
}

// RecordFetched records entities fetched from upstream
func RecordFetched(kind string, count int) {
	FetchesTotal.WithLabelValues(kind).Add(float64(count))
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordAPIRequest records an inbound API request
func RecordAPIRequest(method, route, statusCode string, durationSeconds float64) {
	APIRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// RecordScheduleUnit records a processed work unit
func RecordScheduleUnit(status string) {
	ScheduleUnitsTotal.WithLabelValues(status).Inc()
}

// RecordScheduleRun records a completed job run
func RecordScheduleRun(job, status string, durationSeconds float64) {
	ScheduleRunsTotal.WithLabelValues(job, status).Inc()
	ScheduleRunDuration.WithLabelValues(job).Observe(durationSeconds)
}

// RecordRateLimitWait records time spent waiting on a limiter
func RecordRateLimitWait(limitName string, durationSeconds float64) {
	RateLimitWaitTime.WithLabelValues(limitName).Observe(durationSeconds)
}

// RecordAuditEvent records an audit report
func RecordAuditEvent(outcome, status string, durationSeconds float64) {
	AuditEventsTotal.WithLabelValues(outcome, status).Inc()
	if durationSeconds > 0 {
		KafkaPublishDuration.Observe(durationSeconds)
	}
}
