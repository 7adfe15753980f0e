// Package access mediates every upstream call through the result cache, the
// rate gate and the resilient fetcher.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/cache"
	"github.com/cryptowealth/datahub/internal/core/engine"
	"github.com/cryptowealth/datahub/internal/core/fetch"
	"github.com/cryptowealth/datahub/internal/metrics"
)

// DefaultBackoff429 is applied to the rate gate when an upstream answers 429
// without a Retry-After header.
const DefaultBackoff429 = time.Minute

// Helper is the bounded API access helper. Construct one per process and
// share it; all fields are safe for concurrent use.
type Helper struct {
	Cache   *cache.Cache
	Gate    *engine.RateLimiter
	Fetcher *fetch.Fetcher
	Options fetch.Options

	// StaleFallback serves a cached payload older than its TTL when the gate
	// rejects a call or the fetch fails. StaleMaxAge bounds how old it may be;
	// zero means any age.
	StaleFallback bool
	StaleMaxAge   time.Duration

	Logger *logging.Logger
	Clock  func() time.Time
}

// Call describes one mediated upstream request.
type Call struct {
	Upstream string
	// CacheKey enables caching when non-empty.
	CacheKey string
	// TTL overrides the cache TTL for this call.
	TTL     time.Duration
	Request fetch.Request
	// Options overrides the helper's fetch options.
	Options *fetch.Options
	// Refresh skips the cache lookup but still stores the result. A context
	// marked by WithRefresh has the same effect.
	Refresh bool
}

type refreshKey struct{}

// WithRefresh marks ctx so every call made with it refetches instead of
// reading a fresh cache entry. The collector uses it to refresh on schedule.
func WithRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, refreshKey{}, true)
}

// Refreshing reports whether ctx was marked by WithRefresh.
func Refreshing(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	refresh, _ := ctx.Value(refreshKey{}).(bool)
	return refresh
}

// Result is a payload and where it came from.
type Result struct {
	Payload   json.RawMessage `json:"payload"`
	FromCache bool            `json:"from_cache"`
	Stale     bool            `json:"stale"`
	StoredAt  time.Time       `json:"stored_at"`
}

// Do serves call from the cache when fresh; otherwise it admits the call
// through the rate gate and fetches it.
//
// A cache miss combined with a rate gate rejection returns
// *core.RateLimitError unless a stale fallback is available. Nothing is ever
// synthesized in place of upstream data.
func (h *Helper) Do(ctx context.Context, call Call) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if h == nil {
		return Result{}, errors.New("access helper is not configured")
	}

	if call.CacheKey != "" && !call.Refresh && !Refreshing(ctx) {
		if entry, ok := h.Cache.Fresh(call.CacheKey, call.TTL); ok {
			metrics.RecordCacheLookup(call.Upstream, metrics.CacheHit)
			return Result{Payload: entry.Payload, FromCache: true, StoredAt: entry.StoredAt}, nil
		}
		metrics.RecordCacheLookup(call.Upstream, metrics.CacheMiss)
	}

	if err := h.Gate.AdmitAndRecord(ctx, call.Upstream); err != nil {
		var rl *core.RateLimitError
		if errors.As(err, &rl) {
			metrics.RecordRateLimitRejection(call.Upstream)
			h.warn("rate gate rejected upstream call", call, err)
			return h.fallback(call, err)
		}
		h.warn("rate gate store unavailable, admitting call", call, err)
	}

	opts := h.Options
	if call.Options != nil {
		opts = *call.Options
	}

	started := h.now()
	payload, err := h.Fetcher.Execute(ctx, call.Request, opts)
	elapsed := h.now().Sub(started)
	if err != nil {
		metrics.RecordUpstreamCall(call.Upstream, outcome(err), elapsed)
		h.record429(ctx, call, err)
		if ctx.Err() != nil {
			return Result{}, err
		}
		h.warn("upstream call failed", call, err)
		return h.fallback(call, err)
	}
	metrics.RecordUpstreamCall(call.Upstream, "success", elapsed)

	result := Result{Payload: payload, StoredAt: h.now()}
	if call.CacheKey != "" {
		h.Cache.SetWithTTL(call.CacheKey, payload, call.TTL)
		if entry, ok := h.Cache.Peek(call.CacheKey); ok {
			result.StoredAt = entry.StoredAt
		}
		metrics.SetCacheEntries(h.Cache.Len())
	}
	return result, nil
}

// DoJSON runs call and decodes the payload into out. Decode failures are
// *core.ValidationError.
func (h *Helper) DoJSON(ctx context.Context, call Call, out any) (Result, error) {
	result, err := h.Do(ctx, call)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(result.Payload, out); err != nil {
		if call.CacheKey != "" {
			h.Cache.Delete(call.CacheKey)
		}
		return result, &core.ValidationError{Field: call.Upstream, Reason: "unexpected payload shape", Err: err}
	}
	return result, nil
}

func (h *Helper) fallback(call Call, cause error) (Result, error) {
	if !h.StaleFallback || call.CacheKey == "" {
		return Result{}, cause
	}

	entry, ok := h.Cache.Peek(call.CacheKey)
	if !ok {
		return Result{}, cause
	}
	if h.StaleMaxAge > 0 && h.Cache.IsStale(call.CacheKey, h.StaleMaxAge) {
		return Result{}, cause
	}

	metrics.RecordCacheLookup(call.Upstream, metrics.CacheStale)
	if h.Logger != nil {
		h.Logger.Info("serving stale cache entry",
			zap.String("upstream", call.Upstream),
			zap.String("cache_key", call.CacheKey),
			zap.Time("stored_at", entry.StoredAt),
			zap.NamedError("cause", cause),
		)
	}
	return Result{Payload: entry.Payload, FromCache: true, Stale: true, StoredAt: entry.StoredAt}, nil
}

func (h *Helper) record429(ctx context.Context, call Call, err error) {
	var status *core.HTTPStatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusTooManyRequests {
		return
	}
	wait := status.RetryAfter
	if wait <= 0 {
		wait = DefaultBackoff429
	}
	if recordErr := h.Gate.Record429(ctx, call.Upstream, wait); recordErr != nil {
		h.warn("failed to record upstream backoff", call, recordErr)
	}
}

func (h *Helper) warn(msg string, call Call, err error) {
	if h.Logger == nil {
		return
	}
	h.Logger.Warn(msg,
		zap.String("upstream", call.Upstream),
		zap.String("cache_key", call.CacheKey),
		zap.Error(err),
	)
}

func (h *Helper) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now().UTC()
}

func outcome(err error) string {
	var (
		timeout    *core.TimeoutError
		status     *core.HTTPStatusError
		network    *core.NetworkError
		validation *core.ValidationError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &status):
		return "http_" + strconv.Itoa(status.StatusCode)
	case errors.As(err, &network):
		return "network"
	case errors.As(err, &validation):
		return "invalid"
	default:
		return "error"
	}
}
