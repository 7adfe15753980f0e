package errors

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/metrics"
	"github.com/cryptowealth/datahub/internal/observability"
	"github.com/cryptowealth/datahub/internal/server/middleware"
)

// statusByCode maps envelope codes to HTTP statuses. Unlisted codes are 500.
var statusByCode = map[string]int{
	CodeInvalidInput:       http.StatusBadRequest,
	CodeValidationFailed:   http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeDataUnavailable:    http.StatusNotFound,
	CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeExternalService:    http.StatusBadGateway,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
	CodeTimeout:            http.StatusGatewayTimeout,
}

// HTTPStatusFromCode resolves the HTTP status for an error code.
func HTTPStatusFromCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// HTTPStatusFromEnvelope resolves the HTTP status for an envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPErrorResponse is the failure half of the data envelope.
type HTTPErrorResponse struct {
	Success   bool                   `json:"success"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RespondWithError maps err onto an envelope and writes it.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, FromError(requestContext(r), err))
}

// RespondWithEnvelope writes envelope as JSON with its HTTP status, logging
// and counting it on the way. 429 responses carry Retry-After.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}
	if envelope == nil {
		envelope = asEnvelope(nil)
	}
	envelope = withRequestID(envelope, requestContext(r))
	status := HTTPStatusFromEnvelope(envelope)

	logResponse(envelope, status)
	metrics.RecordErrorResponse(envelope.Code, status, routeLabel(r))

	if status == http.StatusTooManyRequests {
		if seconds, ok := envelope.Context[retryAfterKey]; ok {
			w.Header().Set("Retry-After", headerSeconds(seconds))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Code:      envelope.Code,
		Message:   envelope.Message,
		Details:   publicDetails(envelope),
		RequestID: envelope.CorrelationID,
		Timestamp: time.Now().UTC(),
	})
}

func requestContext(r *http.Request) context.Context {
	if r == nil {
		return nil
	}
	return r.Context()
}

// withRequestID fills a missing correlation ID from the request, or with a
// "fallback-" ID when the request carries none.
func withRequestID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope.CorrelationID != "" {
		return envelope
	}
	id := middleware.GetRequestID(ctx)
	if id == "" {
		id = "fallback-" + errors.GenerateCorrelationID()
	}
	return envelope.WithCorrelationID(id)
}

// publicDetails merges envelope details with its context, minus the
// internal keys. Details win on conflicts.
func publicDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	details := make(map[string]interface{}, len(envelope.Details)+len(envelope.Context))
	for key, value := range envelope.Context {
		if key != wrappedErrorKey && key != stackTraceKey {
			details[key] = value
		}
	}
	for key, value := range envelope.Details {
		details[key] = value
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

func logResponse(envelope *errors.ErrorEnvelope, status int) {
	logger := observability.ServerLogger
	if logger == nil {
		return
	}

	fields := make([]zap.Field, 0, len(envelope.Context)+4)
	fields = append(fields,
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", status),
		zap.String("request_id", envelope.CorrelationID))
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}

	switch {
	case envelope.Severity == errors.SeverityCritical, envelope.Severity == errors.SeverityHigh, status >= http.StatusInternalServerError:
		logger.Error(envelope.Message, fields...)
	case envelope.Severity == errors.SeverityMedium, status == http.StatusTooManyRequests:
		logger.Warn(envelope.Message, fields...)
	default:
		logger.Info(envelope.Message, fields...)
	}
}

// routeLabel prefers the chi route pattern to keep label cardinality low.
func routeLabel(r *http.Request) string {
	if r != nil {
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			return rctx.RoutePattern()
		}
	}
	return "/unknown"
}

func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func headerSeconds(v interface{}) string {
	switch typed := v.(type) {
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		return strconv.Itoa(int(math.Ceil(typed)))
	case string:
		return typed
	default:
		return "60"
	}
}
