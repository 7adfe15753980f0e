package access

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/cache"
	"github.com/cryptowealth/datahub/internal/core/engine"
	"github.com/cryptowealth/datahub/internal/core/fetch"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type upstreamStub struct {
	calls  atomic.Int32
	status atomic.Int32
	server *httptest.Server
}

func newUpstream(t *testing.T, body string) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	stub.status.Store(http.StatusOK)
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.calls.Add(1)
		status := int(stub.status.Load())
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "30")
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func newHelper(t *testing.T, stub *upstreamStub, limit int) (*Helper, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := cache.New(time.Minute)
	c.Clock = clock.Now
	gate := &engine.RateLimiter{
		Store:  engine.NewMemoryRateStore(),
		Limits: map[string]engine.RateLimit{"coingecko": {RequestsPerWindow: limit, WindowDuration: time.Minute}},
		Clock:  clock.Now,
	}
	return &Helper{
		Cache:   c,
		Gate:    gate,
		Fetcher: &fetch.Fetcher{Client: stub.server.Client(), Sleep: func(context.Context, time.Duration) error { return nil }},
		Options: fetch.Options{MaxAttempts: 2, Timeout: time.Second},
		Clock:   clock.Now,
	}, clock
}

func (s *upstreamStub) call(key string) Call {
	return Call{Upstream: "coingecko", CacheKey: key, Request: fetch.Request{URL: s.server.URL + "/global"}}
}

func TestHelperCachesSuccessfulFetch(t *testing.T) {
	stub := newUpstream(t, `{"markets":12}`)
	helper, _ := newHelper(t, stub, 10)

	first, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)
	require.False(t, first.FromCache)
	require.JSONEq(t, `{"markets":12}`, string(first.Payload))

	second, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, int32(1), stub.calls.Load())

	status, err := helper.Gate.Status(context.Background(), "coingecko")
	require.NoError(t, err)
	require.Equal(t, 1, status.RequestCount, "cache hits are not counted against the gate")
}

func TestHelperRefetchesAfterTTL(t *testing.T) {
	stub := newUpstream(t, `{}`)
	helper, clock := newHelper(t, stub, 10)

	_, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	result, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)
	require.False(t, result.FromCache)
	require.Equal(t, int32(2), stub.calls.Load())
}

func TestHelperCacheMissAndRateLimitReturnsError(t *testing.T) {
	stub := newUpstream(t, `{}`)
	helper, _ := newHelper(t, stub, 1)

	_, err := helper.Do(context.Background(), stub.call("a"))
	require.NoError(t, err)

	_, err = helper.Do(context.Background(), stub.call("b"))
	var rl *core.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, "coingecko", rl.Upstream)
	require.Equal(t, int32(1), stub.calls.Load(), "rejected calls never reach the network")
}

func TestHelperStaleFallbackOnRateLimit(t *testing.T) {
	stub := newUpstream(t, `{"v":1}`)
	helper, clock := newHelper(t, stub, 1)
	helper.StaleFallback = true
	helper.StaleMaxAge = 10 * time.Minute

	_, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	require.NoError(t, helper.Gate.Record429(context.Background(), "coingecko", time.Hour))

	result, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)
	require.True(t, result.Stale)
	require.True(t, result.FromCache)
	require.JSONEq(t, `{"v":1}`, string(result.Payload))

	clock.Advance(20 * time.Minute)
	_, err = helper.Do(context.Background(), stub.call("global"))
	require.True(t, core.IsRateLimited(err), "entries older than the stale bound are not served")
}

func TestHelperStaleFallbackOnFetchFailure(t *testing.T) {
	stub := newUpstream(t, `{"v":1}`)
	helper, clock := newHelper(t, stub, 100)
	helper.StaleFallback = true

	_, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	stub.status.Store(http.StatusBadGateway)
	result, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)
	require.True(t, result.Stale)
	require.Equal(t, int32(3), stub.calls.Load())
}

func TestHelperWithoutFallbackSurfacesFailure(t *testing.T) {
	stub := newUpstream(t, `{}`)
	stub.status.Store(http.StatusNotFound)
	helper, _ := newHelper(t, stub, 100)

	_, err := helper.Do(context.Background(), stub.call("coin_nope"))
	var status *core.HTTPStatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusNotFound, status.StatusCode)
	require.Equal(t, int32(1), stub.calls.Load())
}

func TestHelperRecords429Backoff(t *testing.T) {
	stub := newUpstream(t, `{}`)
	stub.status.Store(http.StatusTooManyRequests)
	helper, _ := newHelper(t, stub, 100)
	helper.Options = fetch.Options{MaxAttempts: 1}

	_, err := helper.Do(context.Background(), stub.call("global"))
	require.True(t, core.IsRateLimited(err))

	status, err := helper.Gate.Status(context.Background(), "coingecko")
	require.NoError(t, err)
	require.NotNil(t, status.BackoffUntil)

	_, err = helper.Do(context.Background(), stub.call("global"))
	var rl *core.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 30*time.Second, rl.RetryAfter)
	require.Equal(t, int32(1), stub.calls.Load())
}

func TestHelperRefreshBypassesCache(t *testing.T) {
	stub := newUpstream(t, `{}`)
	helper, _ := newHelper(t, stub, 10)

	_, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)

	call := stub.call("global")
	call.Refresh = true
	result, err := helper.Do(context.Background(), call)
	require.NoError(t, err)
	require.False(t, result.FromCache)
	require.Equal(t, int32(2), stub.calls.Load())
}

func TestHelperRefreshContextBypassesCache(t *testing.T) {
	stub := newUpstream(t, `{}`)
	helper, _ := newHelper(t, stub, 10)

	_, err := helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)
	require.False(t, Refreshing(context.Background()))

	ctx := WithRefresh(context.Background())
	require.True(t, Refreshing(ctx))
	result, err := helper.Do(ctx, stub.call("global"))
	require.NoError(t, err)
	require.False(t, result.FromCache)
	require.Equal(t, int32(2), stub.calls.Load())

	result, err = helper.Do(context.Background(), stub.call("global"))
	require.NoError(t, err)
	require.True(t, result.FromCache)
	require.Equal(t, int32(2), stub.calls.Load())
}

func TestHelperStoresCallTTL(t *testing.T) {
	stub := newUpstream(t, `{}`)
	helper, _ := newHelper(t, stub, 10)

	call := stub.call("staking_ethereum")
	call.TTL = 15 * time.Minute
	_, err := helper.Do(context.Background(), call)
	require.NoError(t, err)

	entries := helper.Cache.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, entries[0].StoredAt.Add(15*time.Minute), entries[0].ExpiresAt)
}

func TestHelperDoJSONValidation(t *testing.T) {
	stub := newUpstream(t, `[1,2,3]`)
	helper, _ := newHelper(t, stub, 10)

	var out struct {
		Data map[string]any `json:"data"`
	}
	_, err := helper.DoJSON(context.Background(), stub.call("global"), &out)
	var validation *core.ValidationError
	require.ErrorAs(t, err, &validation)

	_, ok := helper.Cache.Get("global")
	require.False(t, ok, "undecodable payloads are not kept")

	var list []int
	_, err = helper.DoJSON(context.Background(), stub.call("global"), &list)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, list)
}

func TestHelperConcurrentCallsRespectLimit(t *testing.T) {
	stub := newUpstream(t, `{}`)
	helper, _ := newHelper(t, stub, 3)

	var wg sync.WaitGroup
	var limited atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := helper.Do(context.Background(), Call{Upstream: "coingecko", Request: fetch.Request{URL: stub.server.URL}})
			var rl *core.RateLimitError
			if errors.As(err, &rl) {
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(3), stub.calls.Load())
	require.Equal(t, int32(7), limited.Load())
}

func TestOutcomeLabels(t *testing.T) {
	require.Equal(t, "timeout", outcome(&core.FailedError{Last: &core.TimeoutError{}}))
	require.Equal(t, "http_502", outcome(&core.HTTPStatusError{StatusCode: http.StatusBadGateway}))
	require.Equal(t, "canceled", outcome(context.Canceled))
	require.Equal(t, "error", outcome(errors.New("x")))
}
