package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cryptowealth/datahub/internal/core"
)

// BackoffMode selects how the delay between attempts grows.
type BackoffMode string

const (
	BackoffFlat        BackoffMode = "flat"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Backoff computes the wait before a retry. Exponential is the default.
type Backoff struct {
	Mode BackoffMode
	Base time.Duration
	Max  time.Duration
}

// ParseBackoffMode accepts flat, linear or exponential (case-insensitive).
// An empty value selects exponential.
func ParseBackoffMode(value string) (BackoffMode, error) {
	switch BackoffMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", BackoffExponential:
		return BackoffExponential, nil
	case BackoffLinear:
		return BackoffLinear, nil
	case BackoffFlat:
		return BackoffFlat, nil
	default:
		return "", fmt.Errorf("unsupported backoff mode %q (use flat, linear, or exponential)", value)
	}
}

// Delay returns the wait after the given number of failed attempts (1-based).
func (b Backoff) Delay(failed int) time.Duration {
	b = b.withDefaults()
	if failed < 1 {
		failed = 1
	}

	var delay time.Duration
	switch b.Mode {
	case BackoffFlat:
		delay = b.Base
	case BackoffLinear:
		delay = b.Base * time.Duration(failed)
	default:
		delay = b.Base
		for i := 1; i < failed && delay < b.Max; i++ {
			delay *= 2
		}
	}

	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

func (b Backoff) withDefaults() Backoff {
	if b.Mode == "" {
		b.Mode = BackoffExponential
	}
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// retryDelay honours an upstream Retry-After when it asks for longer than the backoff.
func retryDelay(b Backoff, failed int, err error) time.Duration {
	b = b.withDefaults()
	delay := b.Delay(failed)

	var status *core.HTTPStatusError
	if errors.As(err, &status) && status.RetryAfter > delay {
		delay = status.RetryAfter
		if delay > b.Max {
			delay = b.Max
		}
	}
	return delay
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}

	retry := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retry == "" {
		return 0
	}

	if seconds, err := time.ParseDuration(retry + "s"); err == nil && seconds > 0 {
		return seconds
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if wait := time.Until(parsed); wait > 0 {
			return wait
		}
	}
	return 0
}
