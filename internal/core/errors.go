package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrDataUnavailable reports that no source produced usable data.
var ErrDataUnavailable = errors.New("data unavailable")

// TimeoutError reports an attempt that exceeded its deadline.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Timeout)
}

// HTTPStatusError reports a non-2xx upstream response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request to %s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// NetworkError reports a transport-level failure.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RateLimitError reports a local rate gate rejection. No network call was made.
// Global marks a rejection by the app-wide window rather than the upstream's.
type RateLimitError struct {
	Upstream   string
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitError) Error() string {
	scope := "rate limit"
	if e.Global {
		scope = "global rate limit"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s exceeded for %s, retry in %s", scope, e.Upstream, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s exceeded for %s", scope, e.Upstream)
}

// ValidationError reports a payload missing or malforming expected fields.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	case e.Field != "":
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("invalid payload: %s: %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("invalid payload: %s", e.Reason)
	}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// FailedError is the terminal state of a fetch. It unwraps to the last
// attempt's error so callers can classify with errors.As.
type FailedError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("request to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Last)
}

func (e *FailedError) Unwrap() error {
	return e.Last
}

// IsRateLimited reports whether err stems from a local rejection or an upstream 429.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var status *HTTPStatusError
	return errors.As(err, &status) && status.StatusCode == http.StatusTooManyRequests
}
