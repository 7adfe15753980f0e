package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptowealth/datahub/internal/core"
)

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestExecuteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "datahub-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"gecko_says":"(V3) To the Moon!"}`))
	}))
	defer server.Close()

	fetcher := &Fetcher{Client: server.Client(), UserAgent: "datahub-test"}
	payload, err := fetcher.Execute(context.Background(), Request{
		URL:    server.URL + "/ping",
		Header: http.Header{"X-Api-Key": []string{"secret"}},
	}, Options{})
	require.NoError(t, err)
	require.JSONEq(t, `{"gecko_says":"(V3) To the Moon!"}`, string(payload))
}

func TestExecuteExhaustsRetryableErrors(t *testing.T) {
	var calls atomic.Int32
	sleeper := &sleepRecorder{}
	fetcher := &Fetcher{
		Client: doerFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("connection reset by peer")
		}),
		Sleep: sleeper.Sleep,
	}

	_, err := fetcher.Execute(context.Background(), Request{URL: "https://api.example.test/markets"}, Options{MaxAttempts: 3})
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())

	var failed *core.FailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, 3, failed.Attempts)

	var netErr *core.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Len(t, sleeper.delays, 2, "no wait after the final attempt")
}

func TestExecuteDoesNotRetryNotFound(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusUnauthorized} {
		var calls atomic.Int32
		sleeper := &sleepRecorder{}
		fetcher := &Fetcher{
			Client: doerFunc(func(*http.Request) (*http.Response, error) {
				calls.Add(1)
				return jsonResponse(status, `{"error":"nope"}`), nil
			}),
			Sleep: sleeper.Sleep,
		}

		_, err := fetcher.Execute(context.Background(), Request{URL: "https://api.example.test/coins/nope"}, Options{MaxAttempts: 10})
		require.Error(t, err)
		require.Equal(t, int32(1), calls.Load(), "status %d", status)
		require.Empty(t, sleeper.delays)

		var statusErr *core.HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, status, statusErr.StatusCode)
	}
}

func TestExecuteRetriesServerErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[1]`))
	}))
	defer server.Close()

	sleeper := &sleepRecorder{}
	fetcher := &Fetcher{Client: server.Client(), Sleep: sleeper.Sleep}
	payload, err := fetcher.Execute(context.Background(), Request{URL: server.URL}, Options{
		MaxAttempts: 5,
		Backoff:     Backoff{Mode: BackoffExponential, Base: 100 * time.Millisecond, Max: time.Second},
	})
	require.NoError(t, err)
	require.Equal(t, "[1]", string(payload))
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
}

func TestExecuteAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	var calls atomic.Int32
	client := server.Client()
	fetcher := &Fetcher{
		Client: doerFunc(func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return client.Do(req)
		}),
		Sleep: (&sleepRecorder{}).Sleep,
	}

	_, err := fetcher.Execute(context.Background(), Request{URL: server.URL}, Options{MaxAttempts: 2, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	require.Equal(t, int32(2), calls.Load())

	var timeout *core.TimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, 50*time.Millisecond, timeout.Timeout)
}

func TestExecuteNeverRetriesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	fetcher := &Fetcher{
		Client: doerFunc(func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			cancel()
			return nil, req.Context().Err()
		}),
		Sleep: (&sleepRecorder{}).Sleep,
	}

	_, err := fetcher.Execute(ctx, Request{URL: "https://api.example.test"}, Options{MaxAttempts: 5})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), calls.Load())
}

func TestExecuteCustomPredicate(t *testing.T) {
	var calls atomic.Int32
	fetcher := &Fetcher{
		Client: doerFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return jsonResponse(http.StatusInternalServerError, `{}`), nil
		}),
		Sleep: (&sleepRecorder{}).Sleep,
	}

	_, err := fetcher.Execute(context.Background(), Request{URL: "https://api.example.test"}, Options{
		MaxAttempts:    4,
		RetryPredicate: func(error) bool { return false },
	})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestExecuteInvalidJSONIsValidationError(t *testing.T) {
	fetcher := &Fetcher{
		Client: doerFunc(func(*http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `<html>`), nil
		}),
		Sleep: (&sleepRecorder{}).Sleep,
	}

	_, err := fetcher.Execute(context.Background(), Request{URL: "https://api.example.test"}, Options{MaxAttempts: 1})
	var validation *core.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestExecuteRejectsBadURL(t *testing.T) {
	var calls atomic.Int32
	fetcher := &Fetcher{Client: doerFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonResponse(http.StatusOK, `{}`), nil
	})}

	for _, raw := range []string{"", "ftp://example.test", "https://"} {
		_, err := fetcher.Execute(context.Background(), Request{URL: raw}, Options{})
		var validation *core.ValidationError
		require.ErrorAs(t, err, &validation, raw)
	}
	require.Zero(t, calls.Load())
}

func TestExecuteHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	sleeper := &sleepRecorder{}
	fetcher := &Fetcher{
		Client: doerFunc(func(*http.Request) (*http.Response, error) {
			if calls.Add(1) == 1 {
				resp := jsonResponse(http.StatusTooManyRequests, `{}`)
				resp.Header.Set("Retry-After", "5")
				return resp, nil
			}
			return jsonResponse(http.StatusOK, `{}`), nil
		}),
		Sleep: sleeper.Sleep,
	}

	_, err := fetcher.Execute(context.Background(), Request{URL: "https://api.example.test"}, Options{
		MaxAttempts: 2,
		Backoff:     Backoff{Mode: BackoffFlat, Base: time.Second, Max: 3 * time.Second},
	})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{3 * time.Second}, sleeper.delays, "retry-after is capped at max")
}

func TestDefaultRetryPredicate(t *testing.T) {
	require.False(t, DefaultRetryPredicate(nil))
	require.False(t, DefaultRetryPredicate(context.Canceled))
	require.False(t, DefaultRetryPredicate(&core.RateLimitError{Upstream: "coingecko"}))
	require.False(t, DefaultRetryPredicate(&core.HTTPStatusError{StatusCode: http.StatusNotFound}))
	require.False(t, DefaultRetryPredicate(&core.HTTPStatusError{StatusCode: http.StatusUnauthorized}))
	require.True(t, DefaultRetryPredicate(&core.HTTPStatusError{StatusCode: http.StatusTooManyRequests}))
	require.True(t, DefaultRetryPredicate(&core.TimeoutError{}))
	require.True(t, DefaultRetryPredicate(&core.NetworkError{Err: errors.New("reset")}))
}

func TestBackoffDelay(t *testing.T) {
	flat := Backoff{Mode: BackoffFlat, Base: time.Second, Max: 10 * time.Second}
	require.Equal(t, time.Second, flat.Delay(1))
	require.Equal(t, time.Second, flat.Delay(4))

	linear := Backoff{Mode: BackoffLinear, Base: time.Second, Max: 10 * time.Second}
	require.Equal(t, 3*time.Second, linear.Delay(3))
	require.Equal(t, 10*time.Second, linear.Delay(30))

	exp := Backoff{Base: time.Second, Max: 10 * time.Second}
	require.Equal(t, time.Second, exp.Delay(1))
	require.Equal(t, 2*time.Second, exp.Delay(2))
	require.Equal(t, 8*time.Second, exp.Delay(4))
	require.Equal(t, 10*time.Second, exp.Delay(5))
	require.Equal(t, 10*time.Second, exp.Delay(64))
}

func TestParseBackoffMode(t *testing.T) {
	mode, err := ParseBackoffMode("")
	require.NoError(t, err)
	require.Equal(t, BackoffExponential, mode)

	mode, err = ParseBackoffMode(" Linear ")
	require.NoError(t, err)
	require.Equal(t, BackoffLinear, mode)

	_, err = ParseBackoffMode("fibonacci")
	require.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	require.Equal(t, "https://api.example.test/x?api_key=REDACTED&vs=usd", redactURL("https://api.example.test/x?vs=usd&api_key=abc"))
}
