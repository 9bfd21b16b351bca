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
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	campaignsLaunched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_campaigns_launched_total",
			Help: "Total campaigns launched by channel",
		},
		[]string{"channel"},
	)

	campaignsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_campaigns_completed_total",
			Help: "Total campaigns that reached completed",
		},
	)

	messagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_messages_dispatched_total",
			Help: "Total messages submitted to the vendor by channel and result",
		},
		[]string{"channel", "result"},
	)

	receiptsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_receipts_applied_total",
			Help: "Total vendor receipts applied by status",
		},
		[]string{"status"},
	)

	receiptsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_receipts_dropped_total",
			Help: "Total vendor receipts dropped by reason",
		},
		[]string{"reason"},
	)

	retriesSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_retries_swept_total",
			Help: "Total failed deliveries requeued by the retry sweeper",
		},
	)

	trackingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_tracking_events_total",
			Help: "Total tracking pixel and click events by type",
		},
		[]string{"type"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"client"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_sqs_messages_in_flight",
			Help: "Current receipt messages being processed from SQS",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_db_connections_active",
			Help: "Active database connections",
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

// RecordCampaignLaunched records a campaign launch
func RecordCampaignLaunched(channel string) {
	campaignsLaunched.WithLabelValues(channel).Inc()
}

// RecordCampaignCompleted records a campaign reaching completed
func RecordCampaignCompleted() {
	campaignsCompleted.Inc()
}

// RecordMessageDispatched records a vendor submission result
func RecordMessageDispatched(channel, result string) {
	messagesDispatched.WithLabelValues(channel, result).Inc()
}

// RecordReceiptApplied records one applied vendor receipt
func RecordReceiptApplied(status string) {
	receiptsApplied.WithLabelValues(status).Inc()
}

// RecordReceiptDropped records a receipt that was logged and dropped
func RecordReceiptDropped(reason string) {
	receiptsDropped.WithLabelValues(reason).Inc()
}

// RecordRetriesSwept records deliveries requeued by the sweeper
func RecordRetriesSwept(count int) {
	retriesSwept.Add(float64(count))
}

// RecordTrackingEvent records an open or click tracking hit
func RecordTrackingEvent(eventType string) {
	trackingEvents.WithLabelValues(eventType).Inc()
}

// RecordIdempotencyHit records a request served from the idempotency cache
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(client string) {
	rateLimitRejections.WithLabelValues(client).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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
