// Package errors builds gofulmen error envelopes for the HTTP and CLI
// surfaces and maps the upstream access errors onto them.
package errors

import (
	"context"
	stderrors "errors"
	"maps"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"

	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/server/middleware"
)

// Error codes used across HTTP and CLI surfaces.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeDataUnavailable    = "DATA_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeDatabase           = "DATABASE_ERROR"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeConfigInvalid      = "CONFIG_INVALID"
)

// Context keys that stay out of HTTP responses.
const (
	wrappedErrorKey = "wrapped_error"
	stackTraceKey   = "stack_trace"
	retryAfterKey   = "retry_after_seconds"
)

// NewInvalidInputError reports a bad caller parameter.
func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInvalidInput, message)
}

// NewNotFoundError reports an unknown route or resource.
func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

// NewMethodNotAllowedError reports a method the route does not serve.
func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

func NewRateLimitedError(message string, retryAfter time.Duration) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(CodeRateLimited, message)
	if retryAfter > 0 {
		env = withContext(env, map[string]interface{}{
			retryAfterKey: retryAfterSeconds(retryAfter),
		})
	}
	return env
}

// NewInternalError reports a failure inside datahub itself.
func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInternal, message)
}

// NewExternalServiceError reports an upstream failure.
func NewExternalServiceError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeExternalService, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

// NewConfigInvalidError reports configuration that cannot be used.
func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeConfigInvalid, message)
}

// Wrap builds an envelope for code carrying err and the request correlation ID.
func Wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	id := requestIDOrNew(ctx)
	envelope := errors.NewErrorEnvelope(code, message).WithCorrelationID(id).WithTraceID(id)
	return withWrappedError(envelope, err)
}

// WrapInvalidInput wraps err as INVALID_INPUT.
func WrapInvalidInput(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeInvalidInput, err, message)
}

// WrapNotFound wraps err as NOT_FOUND.
func WrapNotFound(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeNotFound, err, message)
}

// WrapInternal wraps err as INTERNAL_ERROR.
func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeInternal, err, message)
}

// WrapDatabaseError wraps err as DATABASE_ERROR.
func WrapDatabaseError(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeDatabase, err, message)
}

// WrapExternalService wraps err as EXTERNAL_SERVICE_ERROR.
func WrapExternalService(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeExternalService, err, message)
}

// inputFields are validation fields that describe caller input rather than
// upstream payloads.
var inputFields = map[string]bool{
	"symbol":   true,
	"coin":     true,
	"limit":    true,
	"currency": true,
	"page":     true,
}

// FromError maps the upstream access error taxonomy onto envelope codes.
// Errors that are already envelopes pass through.
func FromError(ctx context.Context, err error) *errors.ErrorEnvelope {
	if err == nil {
		return asEnvelope(nil)
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	var (
		rateLimited *core.RateLimitError
		timeout     *core.TimeoutError
		status      *core.HTTPStatusError
		network     *core.NetworkError
		validation  *core.ValidationError
	)

	switch {
	case stderrors.As(err, &rateLimited):
		env := NewRateLimitedError("Upstream rate limit reached and no cached data is available", rateLimited.RetryAfter)
		return withWrappedError(env.WithCorrelationID(requestIDOrNew(ctx)), err)
	case stderrors.Is(err, core.ErrDataUnavailable):
		return Wrap(ctx, CodeDataUnavailable, err, "Data unavailable")
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.As(err, &timeout):
		return Wrap(ctx, CodeTimeout, err, "Upstream request timed out")
	case stderrors.As(err, &status):
		switch status.StatusCode {
		case http.StatusNotFound:
			return Wrap(ctx, CodeNotFound, err, "Upstream resource not found")
		case http.StatusTooManyRequests:
			env := NewRateLimitedError("Upstream rejected the request with 429", status.RetryAfter)
			return withWrappedError(env.WithCorrelationID(requestIDOrNew(ctx)), err)
		}
		return Wrap(ctx, CodeExternalService, err, "Upstream returned HTTP "+strconv.Itoa(status.StatusCode))
	case stderrors.As(err, &validation):
		if inputFields[validation.Field] {
			return Wrap(ctx, CodeInvalidInput, err, validation.Error())
		}
		return Wrap(ctx, CodeExternalService, err, "Upstream returned an unexpected payload")
	case stderrors.As(err, &network):
		return Wrap(ctx, CodeExternalService, err, "Upstream unreachable")
	case stderrors.Is(err, context.Canceled):
		return Wrap(ctx, CodeServiceUnavailable, err, "Request canceled")
	}
	return asEnvelope(err)
}

// asEnvelope turns any error into an envelope. Unknown errors become
// INTERNAL_ERROR with the original message kept in context.
func asEnvelope(err error) *errors.ErrorEnvelope {
	if envelope, ok := err.(*errors.ErrorEnvelope); ok && envelope != nil {
		return envelope
	}
	env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
	severity := errors.SeverityCritical
	if err != nil {
		env = withWrappedError(errors.NewErrorEnvelope(CodeInternal, "unexpected error"), err)
		severity = errors.SeverityHigh
	}
	if updated, serr := env.WithSeverity(severity); serr == nil && updated != nil {
		return updated
	}
	return env
}

// requestIDOrNew is the request ID carried by ctx, or a fresh UUID.
func requestIDOrNew(ctx context.Context) string {
	if id := middleware.GetRequestID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func withWrappedError(envelope *errors.ErrorEnvelope, err error) *errors.ErrorEnvelope {
	if envelope == nil || err == nil {
		return envelope
	}
	return withContext(envelope, map[string]interface{}{wrappedErrorKey: err.Error()})
}

// withContext merges values into the envelope context. The envelope is
// returned unchanged if gofulmen rejects the merged map.
func withContext(envelope *errors.ErrorEnvelope, values map[string]interface{}) *errors.ErrorEnvelope {
	merged := make(map[string]interface{}, len(envelope.Context)+len(values))
	maps.Copy(merged, envelope.Context)
	maps.Copy(merged, values)
	if updated, err := envelope.WithContext(merged); err == nil {
		return updated
	}
	return envelope
}

