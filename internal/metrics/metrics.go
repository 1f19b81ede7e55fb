package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaim_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reclaim_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaim_webhook_events_total",
			Help: "Webhook deliveries by ingest result",
		},
		[]string{"result"},
	)

	casesOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reclaim_cases_opened_total",
			Help: "Recovery cases opened",
		},
	)

	casesRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reclaim_cases_recovered_total",
			Help: "Recovery cases closed by successful payment",
		},
	)

	casesClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reclaim_cases_closed_total",
			Help: "Recovery cases closed without recovery",
		},
	)

	recoveredAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reclaim_recovered_amount_cents_total",
			Help: "Total cents recovered across all cases",
		},
	)

	remindersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaim_reminders_sent_total",
			Help: "Reminder sends by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	incentivesGranted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reclaim_incentives_granted_total",
			Help: "Free-day incentives granted",
		},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reclaim_cycle_duration_seconds",
			Help:    "Reminder cycle wall time",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaim_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
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

// RecordIngest records one webhook delivery outcome (applied, duplicate, rejected).
func RecordIngest(result string) {
	eventsIngested.WithLabelValues(result).Inc()
}

// RecordCaseOpened counts a newly opened case.
func RecordCaseOpened() {
	casesOpened.Inc()
}

// RecordCaseRecovered counts a recovery and the amount it brought back.
// The recovery-rate KPI is computed in the metrics backend from these
// counters; the engine does not fix a denominator.
func RecordCaseRecovered(amountCents int64) {
	casesRecovered.Inc()
	recoveredAmount.Add(float64(amountCents))
}

// RecordCaseClosed counts a case closed without recovery.
func RecordCaseClosed() {
	casesClosed.Inc()
}

// RecordReminderSent records a channel send outcome.
func RecordReminderSent(channel, outcome string) {
	remindersSent.WithLabelValues(channel, outcome).Inc()
}

// RecordIncentiveGranted counts a granted incentive.
func RecordIncentiveGranted() {
	incentivesGranted.Inc()
}

// RecordCycleDuration records one reminder cycle's wall time.
func RecordCycleDuration(d time.Duration) {
	cycleDuration.Observe(d.Seconds())
}

// RecordRateLimitRejection records a rejection for a scope (webhook, action).
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
