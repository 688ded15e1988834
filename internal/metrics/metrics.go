// Package metrics provides Prometheus metrics for the ThreadVault server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadvault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadvault_transfers_total",
			Help: "Total transfers by direction and terminal state",
		},
		[]string{"direction", "state"},
	)

	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadvault_transfer_bytes_total",
			Help: "Total bytes moved through transfers",
		},
		[]string{"direction"},
	)

	transfersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadvault_transfers_active",
			Help: "Number of transfers currently in flight",
		},
	)

	chunkRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadvault_chunk_retries_total",
			Help: "Total per-chunk retry attempts",
		},
	)

	// Gateway metrics
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadvault_gateway_requests_total",
			Help: "Total remote gateway operations",
		},
		[]string{"operation", "status"},
	)

	gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadvault_gateway_request_duration_seconds",
			Help:    "Remote gateway operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	gatewayRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadvault_gateway_rate_limited_total",
			Help: "Total rate-limit signals received from the chat platform",
		},
	)

	// Quota metrics
	quotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadvault_quota_rejections_total",
			Help: "Total uploads rejected at admission",
		},
	)

	// Progress stream metrics
	progressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadvault_progress_subscribers",
			Help: "Number of active progress event subscribers",
		},
	)

	progressEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadvault_progress_events_total",
			Help: "Total progress events published",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTransfer records a transfer reaching a terminal state.
func RecordTransfer(direction, state string) {
	transfersTotal.WithLabelValues(direction, state).Inc()
}

// RecordTransferBytes records bytes moved by a transfer.
func RecordTransferBytes(direction string, bytes int64) {
	transferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// SetTransfersActive sets the number of in-flight transfers.
func SetTransfersActive(n int64) {
	transfersActive.Set(float64(n))
}

// RecordChunkRetry records a per-chunk retry attempt.
func RecordChunkRetry() {
	chunkRetriesTotal.Inc()
}

// RecordGatewayRequest records a remote gateway operation.
func RecordGatewayRequest(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	gatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	gatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordGatewayRateLimited records a rate-limit signal from the platform.
func RecordGatewayRateLimited() {
	gatewayRateLimitedTotal.Inc()
}

// RecordQuotaRejection records an upload rejected at admission.
func RecordQuotaRejection() {
	quotaRejectionsTotal.Inc()
}

// SetProgressSubscribers sets the number of active progress subscribers.
func SetProgressSubscribers(n int64) {
	progressSubscribers.Set(float64(n))
}

// RecordProgressEvent records a published progress event.
func RecordProgressEvent() {
	progressEventsTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
