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
			Name: "cadence_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	launchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_launches_total",
			Help: "Campaign launches by outcome",
		},
		[]string{"outcome"},
	)

	launchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cadence_launch_duration_seconds",
			Help:    "Time to validate, build and persist a launch",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10},
		},
	)

	launchRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_launch_recipients_total",
			Help: "Launch recipients by eligibility outcome",
		},
		[]string{"status"},
	)

	queueEntriesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_queue_entries_created_total",
			Help: "Queue entries inserted by launches",
		},
	)

	profileLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_profile_lookup_duration_seconds",
			Help:    "Provider profile lookup latency by outcome",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_dispatch_total",
			Help: "Queue entry dispatch results by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	dispatchLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cadence_dispatch_lag_seconds",
			Help:    "Delay between scheduled time and dispatch",
			Buckets: []float64{1, 10, 30, 60, 120, 300, 900, 3600},
		},
	)

	entriesClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_queue_entries_claimed_total",
			Help: "Queue entries claimed by the processor",
		},
	)

	repliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_replies_total",
			Help: "Inbound reply signals by outcome",
		},
		[]string{"outcome"},
	)

	entriesCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_queue_entries_cancelled_total",
			Help: "Pending queue entries cancelled by replies",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cadence_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_idempotency_hits_total",
			Help: "Launch requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"workspace_id"},
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

// RecordLaunch records a finished launch attempt. outcome is "ok" or an
// error class.
func RecordLaunch(outcome string, duration time.Duration) {
	launchesTotal.WithLabelValues(outcome).Inc()
	launchDuration.Observe(duration.Seconds())
}

func RecordLaunchRecipients(queued, skipped, failed int) {
	launchRecipients.WithLabelValues("queued").Add(float64(queued))
	launchRecipients.WithLabelValues("skipped").Add(float64(skipped))
	launchRecipients.WithLabelValues("failed").Add(float64(failed))
}

func RecordEntriesCreated(n int64) {
	queueEntriesCreated.Add(float64(n))
}

func RecordEntriesClaimed(n int) {
	entriesClaimed.Add(float64(n))
}

// RecordLookup records one profile lookup. outcome is "ok", "not_found" or
// "error".
func RecordLookup(outcome string, duration time.Duration) {
	profileLookupDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordDispatch records one dispatch. action is "send" or "invite".
func RecordDispatch(action, outcome string) {
	dispatchTotal.WithLabelValues(action, outcome).Inc()
}

func RecordDispatchLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	dispatchLag.Observe(lag.Seconds())
}

func RecordReply(outcome string, cancelled int64) {
	repliesTotal.WithLabelValues(outcome).Inc()
	entriesCancelled.Add(float64(cancelled))
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(workspaceID string) {
	rateLimitRejections.WithLabelValues(workspaceID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by chi route pattern, so ids in
// paths do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
