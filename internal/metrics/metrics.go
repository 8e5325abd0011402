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
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_enqueued_total",
			Help: "Total messages enqueued by tenant and message type",
		},
		[]string{"tenant_id", "message_type"},
	)

	messagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_delivered_total",
			Help: "Total delivery attempts settled, by outcome and channel",
		},
		[]string{"outcome", "channel"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time from enqueue to terminal delivery outcome",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
		[]string{"channel"},
	)

	rateLimitDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_deferrals_total",
			Help: "Queue claims released back to pending by the outbound rate limiter",
		},
		[]string{"tenant_id"},
	)

	sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_session_transitions_total",
			Help: "Session state machine transitions by target state and cause",
		},
		[]string{"state", "cause"},
	)

	pairingTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_pairing_timeouts_total",
			Help: "Pairing attempts abandoned because the code was not scanned in time",
		},
	)

	activeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_active_channel_clients",
			Help: "Live protocol clients currently owned by this process",
		},
	)

	remindersEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_reminders_enqueued_total",
			Help: "Reminder messages enqueued by the scheduler sweep, by kind",
		},
		[]string{"reminder_kind"},
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

// RecordMessageEnqueued records a message enqueue event
func RecordMessageEnqueued(tenantID, messageType string) {
	messagesEnqueued.WithLabelValues(tenantID, messageType).Inc()
}

// RecordMessageDelivered records a settled delivery attempt
func RecordMessageDelivered(outcome, channel string) {
	messagesDelivered.WithLabelValues(outcome, channel).Inc()
}

// RecordDeliveryLatency records time from enqueue to terminal outcome
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRateLimitDeferral records a claim released by the outbound limiter
func RecordRateLimitDeferral(tenantID string) {
	rateLimitDeferrals.WithLabelValues(tenantID).Inc()
}

// RecordSessionTransition records a session state change
func RecordSessionTransition(state, cause string) {
	sessionTransitions.WithLabelValues(state, cause).Inc()
}

// RecordPairingTimeout records an abandoned pairing attempt
func RecordPairingTimeout() {
	pairingTimeouts.Inc()
}

// SetActiveClients sets the live protocol client count
func SetActiveClients(count int) {
	activeClients.Set(float64(count))
}

// RecordReminderEnqueued records one reminder produced by the sweep
func RecordReminderEnqueued(kind string) {
	remindersEnqueued.WithLabelValues(kind).Inc()
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
