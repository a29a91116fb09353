package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexxi_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexxi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexxi_turns_total",
			Help: "Chat turns by terminal state and abort reason",
		},
		[]string{"state", "reason", "mode"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexxi_turn_duration_seconds",
			Help:    "End-to-end chat turn duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"mode"},
	)

	// Inference metrics
	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexxi_inference_duration_seconds",
			Help:    "Model generation duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model"},
	)

	firstTokenLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexxi_first_token_seconds",
			Help:    "Time from dispatch to the first generated fragment",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"model"},
	)

	tokensGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexxi_tokens_generated_total",
			Help: "Completion tokens generated",
		},
		[]string{"model"},
	)

	modelFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexxi_model_fallbacks_total",
			Help: "Candidate models skipped because they were unavailable",
		},
		[]string{"model"},
	)

	inflightGenerations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexxi_inflight_generations",
			Help: "Generations currently holding a worker slot",
		},
	)

	// Safety and quota metrics
	safetyViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexxi_safety_violations_total",
			Help: "Rejected inputs and outputs by violation kind",
		},
		[]string{"direction", "kind"},
	)

	quotaRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexxi_quota_rejections_total",
			Help: "Requests rejected by the rolling quota",
		},
	)

	persistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexxi_persist_failures_total",
			Help: "Turns delivered without being stored",
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexxi_active_sessions",
			Help: "Sessions held by the in-memory store",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			turnsTotal,
			turnDuration,
			inferenceDuration,
			firstTokenLatency,
			tokensGenerated,
			modelFallbacksTotal,
			inflightGenerations,
			safetyViolationsTotal,
			quotaRejectionsTotal,
			persistFailuresTotal,
			activeSessions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTurn records a finished turn. reason is empty for completed turns.
func RecordTurn(state, reason, mode string, duration time.Duration) {
	turnsTotal.WithLabelValues(state, reason, mode).Inc()
	turnDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordInference records a finished generation.
func RecordInference(model string, duration time.Duration, tokens int) {
	inferenceDuration.WithLabelValues(model).Observe(duration.Seconds())
	if tokens > 0 {
		tokensGenerated.WithLabelValues(model).Add(float64(tokens))
	}
}

// RecordFirstToken records time to first fragment.
func RecordFirstToken(model string, d time.Duration) {
	firstTokenLatency.WithLabelValues(model).Observe(d.Seconds())
}

// RecordModelFallback counts a candidate model skipped by the fallback chain.
func RecordModelFallback(model string) {
	modelFallbacksTotal.WithLabelValues(model).Inc()
}

// AddInflightGenerations adjusts the in-flight generation gauge.
func AddInflightGenerations(delta int) {
	inflightGenerations.Add(float64(delta))
}

// RecordSafetyViolation counts a violation on "input" or "output".
func RecordSafetyViolation(direction, kind string) {
	safetyViolationsTotal.WithLabelValues(direction, kind).Inc()
}

// RecordQuotaRejection counts a quota rejection.
func RecordQuotaRejection() {
	quotaRejectionsTotal.Inc()
}

// RecordPersistFailure counts a reply delivered without being stored.
func RecordPersistFailure() {
	persistFailuresTotal.Inc()
}

// SetActiveSessions sets the in-memory session gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}
