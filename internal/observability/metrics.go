package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gema_feedback"

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	deliveriesTotal        *prometheus.CounterVec
	attemptsTotal          *prometheus.CounterVec
	attemptDurationSeconds prometheus.Histogram
	contextLookupsTotal    *prometheus.CounterVec
	contextRefreshesTotal  *prometheus.CounterVec
	dispatchFailuresTotal  prometheus.Counter
	indexSize              prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_latency_seconds",
			Help:      "Latency distribution for API requests.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deliveries_total",
			Help:      "Inbound deliveries by settlement decision (ack, nak, term).",
		}, []string{"decision"})

		attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_messages_total",
			Help:      "Processed inbound messages by pipeline outcome.",
		}, []string{"outcome"})

		attemptDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_attempt_duration_seconds",
			Help:      "Duration of feedback generation attempts.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		})

		contextLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_cache_lookups_total",
			Help:      "Assignment context lookups by result (redis_hit, store_hit, miss).",
		}, []string{"result"})

		contextRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_cache_refreshes_total",
			Help:      "Assignment context refreshes from the LMS by result.",
		}, []string{"result"})

		dispatchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Feedback results that could not be published downstream.",
		})

		indexSize = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "similarity_index_vectors",
			Help:      "Number of vectors held by the in-memory similarity index.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			deliveriesTotal, attemptsTotal, attemptDurationSeconds,
			contextLookupsTotal, contextRefreshesTotal, dispatchFailuresTotal, indexSize,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// Deliveries exposes the counter of queue settlement decisions.
func Deliveries() *prometheus.CounterVec {
	RegisterMetrics()
	return deliveriesTotal
}

// PipelineOutcomes exposes the counter of processed messages by outcome.
func PipelineOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return attemptsTotal
}

// AttemptDuration exposes the attempt duration histogram.
func AttemptDuration() prometheus.Histogram {
	RegisterMetrics()
	return attemptDurationSeconds
}

// ContextLookups exposes the context cache lookup counter.
func ContextLookups() *prometheus.CounterVec {
	RegisterMetrics()
	return contextLookupsTotal
}

// ContextRefreshes exposes the context cache refresh counter.
func ContextRefreshes() *prometheus.CounterVec {
	RegisterMetrics()
	return contextRefreshesTotal
}

// DispatchFailures exposes the dispatch failure counter.
func DispatchFailures() prometheus.Counter {
	RegisterMetrics()
	return dispatchFailuresTotal
}

// IndexSize exposes the similarity index size gauge.
func IndexSize() prometheus.Gauge {
	RegisterMetrics()
	return indexSize
}
