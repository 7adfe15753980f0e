package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/observability"
)

// cacheHeader mirrors handlers.CacheHeader; handlers imports this package.
const cacheHeader = "X-Cache"

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// routeLabel returns the chi route pattern, or a coarse bucket for requests
// chi did not match, so raw paths never become label values.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	switch {
	case path == "/health" || strings.HasPrefix(path, "/health/"):
		return "/health/*"
	case path == "/version", path == "/metrics", path == "/":
		return path
	case strings.HasPrefix(path, "/api/data/"):
		return "/api/data/*"
	}
	return "/unknown"
}

// isProbe reports routes polled by orchestrators and scrapers.
func isProbe(route string) bool {
	return route == "/metrics" || strings.HasPrefix(route, "/health")
}

// RequestMetrics emits request counters and durations. Data routes carry the
// cache outcome (hit, miss, stale) the handler reported.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		route := routeLabel(r)
		status := strconv.Itoa(rec.status)
		cacheStatus := strings.ToLower(rec.Header().Get(cacheHeader))

		if sys := observability.TelemetrySystem; sys != nil {
			labels := map[string]string{
				"method":   r.Method,
				"endpoint": route,
				"status":   status,
			}
			if cacheStatus != "" {
				labels["cache"] = cacheStatus
			}
			_ = sys.Counter("http_requests_total", 1, labels)
			_ = sys.Histogram("http_request_duration_ms", duration, map[string]string{
				"method":   r.Method,
				"endpoint": route,
			})
			_ = sys.Gauge("http_response_size_bytes", float64(rec.bytes), map[string]string{
				"endpoint": route,
			})

			if rec.status >= 400 {
				errorType := "client_error"
				if rec.status >= 500 {
					errorType = "server_error"
				}
				_ = sys.Counter("http_errors_total", 1, map[string]string{
					"endpoint":   route,
					"status":     status,
					"error_type": errorType,
				})
			}
		}

		logger := observability.ServerLogger
		if logger == nil {
			return
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("endpoint", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration),
			zap.Int64("response_size", rec.bytes),
			zap.String("requestID", GetRequestID(r.Context())),
		}
		if cacheStatus != "" {
			fields = append(fields, zap.String("cache", cacheStatus))
		}
		if isProbe(route) {
			logger.Debug("HTTP request completed", fields...)
			return
		}
		logger.Info("HTTP request completed", fields...)
	})
}
