package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstnudge_http_requests_total",
			Help: "Total admin HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burstnudge_http_request_duration_seconds",
			Help:    "Admin HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	participantsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstnudge_participants_processed_total",
			Help: "Participants evaluated by outcome",
		},
		[]string{"outcome"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstnudge_runs_total",
			Help: "Worker runs by result",
		},
		[]string{"result"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burstnudge_run_duration_seconds",
			Help:    "Wall time of a full study run",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)

	smsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstnudge_sms_sent_total",
			Help: "SMS send attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	configCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstnudge_config_cache_lookups_total",
			Help: "Study config cache lookups by result",
		},
		[]string{"result"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstnudge_rate_limit_rejections_total",
			Help: "Admin requests rejected by the rate limiter",
		},
		[]string{"study_id"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burstnudge_sms_breaker_state",
			Help: "SMS circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	runsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "burstnudge_runs_in_flight",
			Help: "Study runs currently executing",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordParticipant counts one evaluated participant, e.g. "notified",
// "no_burst" or "skipped_phone_unverified".
func RecordParticipant(outcome string) {
	participantsProcessed.WithLabelValues(outcome).Inc()
}

// RecordRun records a finished run. result is "complete", "partial" or "failed".
func RecordRun(result string, duration time.Duration) {
	runsTotal.WithLabelValues(result).Inc()
	runDuration.Observe(duration.Seconds())
}

// RecordSMS records one SMS send attempt.
func RecordSMS(provider string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	smsSent.WithLabelValues(provider, result).Inc()
}

// RecordConfigCache records a config cache hit or miss.
func RecordConfigCache(hit bool) {
	if hit {
		configCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	configCacheLookups.WithLabelValues("miss").Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(studyID string) {
	rateLimitRejections.WithLabelValues(studyID).Inc()
}

// SetBreakerState publishes the SMS circuit breaker state for a provider.
func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

// RunStarted and RunFinished track in-flight runs.
func RunStarted()  { runsInFlight.Inc() }
func RunFinished() { runsInFlight.Dec() }

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Label by route pattern so study IDs do not explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
