// Package fetch wraps upstream HTTP calls with per-attempt timeouts and
// bounded retries.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/core"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 10 * time.Second
	defaultMaxBody     = 32 << 20
)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one upstream call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Options bounds a call.
type Options struct {
	MaxAttempts    int
	Timeout        time.Duration
	RetryPredicate func(error) bool
	Backoff        Backoff
}

// Fetcher executes requests. The zero value is usable.
type Fetcher struct {
	Client       Doer
	Sleep        func(ctx context.Context, d time.Duration) error
	UserAgent    string
	MaxBodyBytes int64
	Logger       *logging.Logger
}

// DefaultRetryPredicate retries everything except 401, 404, local rate limit
// rejections and caller cancellation.
func DefaultRetryPredicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rl *core.RateLimitError
	if errors.As(err, &rl) {
		return false
	}
	var status *core.HTTPStatusError
	if errors.As(err, &status) {
		switch status.StatusCode {
		case http.StatusNotFound, http.StatusUnauthorized:
			return false
		}
	}
	return true
}

// Execute runs req until it succeeds, the predicate rejects a retry, or
// MaxAttempts is reached. It returns the response body, which must be JSON.
// Terminal failures are *core.FailedError wrapping the last attempt's error.
func (f *Fetcher) Execute(ctx context.Context, req Request, opts Options) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts = withDefaults(opts)

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	callID := uuid.New().String()
	var lastErr error
	attempt := 0
	for attempt < opts.MaxAttempts {
		attempt++

		if err := ctx.Err(); err != nil {
			return nil, &core.FailedError{URL: req.URL, Attempts: attempt - 1, Last: err}
		}

		started := time.Now()
		payload, err := f.attempt(ctx, req, opts.Timeout)
		if err == nil {
			f.debug("upstream attempt succeeded", callID, req, attempt, started, nil)
			return payload, nil
		}
		f.debug("upstream attempt failed", callID, req, attempt, started, err)

		lastErr = err
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt >= opts.MaxAttempts || !opts.RetryPredicate(err) {
			break
		}

		if sleepErr := f.sleep(ctx, retryDelay(opts.Backoff, attempt, err)); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	return nil, &core.FailedError{URL: req.URL, Attempts: attempt, Last: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, req Request, timeout time.Duration) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		return nil, &core.ValidationError{Field: "url", Reason: "cannot build request", Err: err}
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if f != nil && f.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.client().Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, attemptCtx, req.URL, timeout, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &core.HTTPStatusError{URL: req.URL, StatusCode: resp.StatusCode, RetryAfter: retryAfterHeader(resp)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody()+1))
	if err != nil {
		return nil, classifyTransportError(ctx, attemptCtx, req.URL, timeout, err)
	}
	if int64(len(data)) > f.maxBody() {
		return nil, &core.ValidationError{Field: "body", Reason: fmt.Sprintf("exceeds %d bytes", f.maxBody())}
	}
	if !json.Valid(data) {
		return nil, &core.ValidationError{Field: "body", Reason: "not valid JSON"}
	}
	return json.RawMessage(data), nil
}

func classifyTransportError(parent, attemptCtx context.Context, rawURL string, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &core.TimeoutError{URL: rawURL, Timeout: timeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &core.TimeoutError{URL: rawURL, Timeout: timeout}
	}
	return &core.NetworkError{URL: rawURL, Err: err}
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.URL) == "" {
		return &core.ValidationError{Field: "url", Reason: "is required"}
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return &core.ValidationError{Field: "url", Reason: "cannot parse", Err: err}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &core.ValidationError{Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", parsed.Scheme)}
	}
	if parsed.Host == "" {
		return &core.ValidationError{Field: "url", Reason: "host is required"}
	}
	return nil
}

func withDefaults(opts Options) Options {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryPredicate == nil {
		opts.RetryPredicate = DefaultRetryPredicate
	}
	opts.Backoff = opts.Backoff.withDefaults()
	return opts
}

func (f *Fetcher) client() Doer {
	if f != nil && f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Fetcher) maxBody() int64 {
	if f != nil && f.MaxBodyBytes > 0 {
		return f.MaxBodyBytes
	}
	return defaultMaxBody
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if f != nil && f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func (f *Fetcher) debug(msg, callID string, req Request, attempt int, started time.Time, err error) {
	if f == nil || f.Logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("call_id", callID),
		zap.String("url", redactURL(req.URL)),
		zap.Int("attempt", attempt),
		zap.Duration("elapsed", time.Since(started)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	f.Logger.Debug(msg, fields...)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// redactURL drops query values that commonly carry keys.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := parsed.Query()
	for key := range query {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "key") || strings.Contains(lower, "token") {
			query.Set(key, "REDACTED")
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
