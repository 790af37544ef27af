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
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_enqueued_total",
			Help: "Total messages enqueued by kind",
		},
		[]string{"kind"},
	)

	messagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Total messages delivered to the gateway by kind",
		},
		[]string{"kind"},
	)

	messagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_failed_total",
			Help: "Total messages marked FAILED by kind and error class",
		},
		[]string{"kind", "class"},
	)

	messagesDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_deferred_total",
			Help: "Claimed messages pushed back by admission re-check",
		},
		[]string{"kind"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_latency_seconds",
			Help:    "Time from enqueue to gateway delivery",
			Buckets: []float64{1, 5, 30, 60, 300, 1800, 3600, 21600, 86400},
		},
		[]string{"kind"},
	)

	broadcastRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcast_recipients_total",
			Help: "Fan-out enqueues per outcome",
		},
		[]string{"outcome"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "Admin API requests rejected by the rate limiter",
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

// RecordEnqueued records a message entering the queue
func RecordEnqueued(kind string) {
	messagesEnqueued.WithLabelValues(kind).Inc()
}

// RecordDelivered records a successful gateway delivery
func RecordDelivered(kind string) {
	messagesDelivered.WithLabelValues(kind).Inc()
}

// RecordFailed records a message reaching FAILED
func RecordFailed(kind string, permanent bool) {
	class := "transient"
	if permanent {
		class = "permanent"
	}
	messagesFailed.WithLabelValues(kind, class).Inc()
}

// RecordDeferred records an admission re-check pushing a message back
func RecordDeferred(kind string) {
	messagesDeferred.WithLabelValues(kind).Inc()
}

// RecordDeliveryLatency records end-to-end enqueue-to-send time
func RecordDeliveryLatency(kind string, latency time.Duration) {
	deliveryLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordBroadcastRecipient records one fan-out enqueue outcome
func RecordBroadcastRecipient(outcome string) {
	broadcastRecipients.WithLabelValues(outcome).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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
