package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/metrics"
	"github.com/cryptowealth/datahub/internal/observability"
)

// ErrorResponse is the failure envelope written on panics. It has the same
// shape as errors.HTTPErrorResponse, which would be an import cycle here.
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recovery turns a handler panic into a 500 INTERNAL_ERROR response.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			writePanic(w, r, recovered, debug.Stack())
		}()
		next.ServeHTTP(w, r)
	})
}

func writePanic(w http.ResponseWriter, r *http.Request, recovered any, stack []byte) {
	requestID := GetRequestID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", "internal server error").
		WithCorrelationID(requestID)
	if withSeverity, err := envelope.WithSeverity(errors.SeverityCritical); err == nil && withSeverity != nil {
		envelope = withSeverity
	}

	metrics.RecordPanic()
	if logger := observability.ServerLogger; logger != nil {
		logger.Error("Recovered from panic",
			zap.String("panic", fmt.Sprint(recovered)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.String("severity", string(envelope.Severity)),
			zap.ByteString("stack", stack))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Code:      envelope.Code,
		Message:   envelope.Message,
		RequestID: envelope.CorrelationID,
		Timestamp: time.Now().UTC(),
	})
}
