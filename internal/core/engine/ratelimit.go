package engine

import (
	"context"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cryptowealth/datahub/internal/core"
)

// GlobalWindow is the store key of the app-wide window.
const GlobalWindow = "global"

// RateLimiter enforces fixed-window request quotas per upstream, plus an
// optional app-wide quota that every upstream call also counts against.
//
// Window reset is lazy: the first access after a window has expired starts a
// new window at the current time. Every path (Allow, Record, AdmitAndRecord,
// Status) applies the same rule. Upstreams without a configured limit are
// unlimited.
type RateLimiter struct {
	Store  RateLimitStore
	Limits map[string]RateLimit
	// Global caps calls across all upstreams. A zero RequestsPerWindow
	// disables it. Margin does not apply to it.
	Global RateLimit
	Clock  func() time.Time
	Margin float64

	mu sync.Mutex
}

// RateLimit represents a rate limit window.
type RateLimit struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RateLimitStore stores rate limit state.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, upstream string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, upstream string, state *core.RateLimitState) error
}

// DefaultLimits mirrors the published free-tier quotas of each upstream.
var DefaultLimits = map[string]RateLimit{
	core.UpstreamCoinGecko:      {RequestsPerWindow: 50, WindowDuration: time.Minute},
	core.UpstreamCoinMarketCap:  {RequestsPerWindow: 30, WindowDuration: time.Minute},
	core.UpstreamStakingRewards: {RequestsPerWindow: 100, WindowDuration: time.Minute},
	core.UpstreamDeFiLlama:      {RequestsPerWindow: 300, WindowDuration: time.Minute},
}

// NewRateLimiter returns a limiter over store. A nil store keeps state in
// memory and nil limits select DefaultLimits.
func NewRateLimiter(store RateLimitStore, limits map[string]RateLimit) *RateLimiter {
	if store == nil {
		store = NewMemoryRateStore()
	}
	if limits == nil {
		limits = DefaultLimits
	}
	copied := make(map[string]RateLimit, len(limits))
	for key, limit := range limits {
		copied[key] = limit
	}
	return &RateLimiter{Store: store, Limits: copied}
}

// Allow checks if a request is allowed and returns the wait duration if not.
// It never mutates stored state. Store errors fail open.
func (r *RateLimiter) Allow(ctx context.Context, upstream string) (bool, time.Duration, error) {
	if r == nil {
		return true, 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	limit, limited := r.getLimit(upstream)
	state, err := r.load(ctx, upstream)
	if err != nil {
		return true, 0, err
	}
	if ok, wait := r.admits(state, limit, limited); !ok {
		return false, wait, nil
	}

	global, ok := r.globalLimit()
	if !ok || upstream == GlobalWindow {
		return true, 0, nil
	}
	globalState, err := r.load(ctx, GlobalWindow)
	if err != nil {
		return true, 0, err
	}
	ok, wait := r.admits(globalState, global, true)
	return ok, wait, nil
}

// Record counts a call against the window currently in effect.
func (r *RateLimiter) Record(ctx context.Context, upstream string) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	limit, _ := r.getLimit(upstream)
	state, err := r.load(ctx, upstream)
	if err != nil {
		return err
	}
	if err := r.count(ctx, upstream, state, limit); err != nil {
		return err
	}
	return r.countGlobal(ctx, upstream, nil)
}

// AdmitAndRecord admits and counts a call in one step, against both the
// upstream's window and the global one. A rejection by either returns a
// *core.RateLimitError and counts nothing. Any other error comes from the
// store; the call is admitted in that case.
func (r *RateLimiter) AdmitAndRecord(ctx context.Context, upstream string) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	limit, limited := r.getLimit(upstream)
	state, err := r.load(ctx, upstream)
	if err != nil {
		return err
	}
	if ok, wait := r.admits(state, limit, limited); !ok {
		return &core.RateLimitError{Upstream: upstream, RetryAfter: wait}
	}

	var globalState *core.RateLimitState
	if global, ok := r.globalLimit(); ok && upstream != GlobalWindow {
		if globalState, err = r.load(ctx, GlobalWindow); err != nil {
			return err
		}
		if ok, wait := r.admits(globalState, global, true); !ok {
			return &core.RateLimitError{Upstream: upstream, RetryAfter: wait, Global: true}
		}
	}

	if err := r.count(ctx, upstream, state, limit); err != nil {
		return err
	}
	return r.countGlobal(ctx, upstream, globalState)
}

func (r *RateLimiter) count(ctx context.Context, name string, state *core.RateLimitState, limit RateLimit) error {
	r.resetIfExpired(state, limit)
	state.RequestCount++
	return r.store().UpdateRateLimit(ctx, name, state)
}

// countGlobal adds one call to the global window. state may be nil, in which
// case it is loaded.
func (r *RateLimiter) countGlobal(ctx context.Context, upstream string, state *core.RateLimitState) error {
	global, ok := r.globalLimit()
	if !ok || upstream == GlobalWindow {
		return nil
	}
	if state == nil {
		var err error
		if state, err = r.load(ctx, GlobalWindow); err != nil {
			return err
		}
	}
	return r.count(ctx, GlobalWindow, state, global)
}

// Record429 applies a backoff window from a 429 response.
func (r *RateLimiter) Record429(ctx context.Context, upstream string, retryAfter time.Duration) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, upstream)
	if err != nil {
		return err
	}

	now := r.now()
	state.Last429At = &now
	if retryAfter > 0 {
		until := now.Add(retryAfter)
		state.BackoffUntil = &until
	}

	return r.store().UpdateRateLimit(ctx, upstream, state)
}

// Status returns a read-only snapshot of an upstream's window.
func (r *RateLimiter) Status(ctx context.Context, upstream string) (core.RateStatus, error) {
	status := core.RateStatus{Upstream: upstream}
	if r == nil {
		status.Unlimited = true
		return status, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	limit, limited := r.getLimit(upstream)
	state, err := r.load(ctx, upstream)
	if err != nil {
		return status, err
	}
	r.resetIfExpired(state, limit)

	status.RequestCount = state.RequestCount
	status.WindowStart = state.WindowStart
	if state.BackoffUntil != nil && r.now().Before(*state.BackoffUntil) {
		until := *state.BackoffUntil
		status.BackoffUntil = &until
	}
	if !limited {
		status.Unlimited = true
		return status, nil
	}

	status.Limit = limit.RequestsPerWindow
	status.Remaining = limit.RequestsPerWindow - state.RequestCount
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	status.WindowResetAt = state.WindowStart.Add(limit.WindowDuration)
	return status, nil
}

// StatusAll returns snapshots for every configured upstream, sorted by name.
func (r *RateLimiter) StatusAll(ctx context.Context) ([]core.RateStatus, error) {
	if r == nil {
		return nil, nil
	}

	names := r.Upstreams()
	if _, ok := r.globalLimit(); ok && !slices.Contains(names, GlobalWindow) {
		names = append(names, GlobalWindow)
		sort.Strings(names)
	}
	out := make([]core.RateStatus, 0, len(names))
	for _, name := range names {
		status, err := r.Status(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// Upstreams lists the configured upstream names, sorted.
func (r *RateLimiter) Upstreams() []string {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	limits := r.Limits
	if limits == nil {
		limits = DefaultLimits
	}
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// SetLimit configures the quota for one upstream. A non-positive request
// count removes the limit.
func (r *RateLimiter) SetLimit(upstream string, limit RateLimit) {
	if r == nil {
		return
	}
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureLimits()
	if limit.RequestsPerWindow <= 0 {
		delete(r.Limits, upstream)
		return
	}
	if limit.WindowDuration <= 0 {
		limit.WindowDuration = time.Minute
	}
	r.Limits[upstream] = limit
}

// ApplyOverrides merges per-upstream request overrides (per minute).
func (r *RateLimiter) ApplyOverrides(overrides map[string]int) {
	if r == nil || len(overrides) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureLimits()
	for upstream, value := range overrides {
		upstream = strings.TrimSpace(upstream)
		if upstream == "" || value <= 0 {
			continue
		}
		r.Limits[upstream] = RateLimit{
			RequestsPerWindow: value,
			WindowDuration:    time.Minute,
		}
	}
}

// ApplySafetyMargin adjusts the effective request limits by a ratio (0-1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.mu.Lock()
	r.Margin = margin
	r.mu.Unlock()
}

func (r *RateLimiter) admits(state *core.RateLimitState, limit RateLimit, limited bool) (bool, time.Duration) {
	now := r.now()
	if state.BackoffUntil != nil && now.Before(*state.BackoffUntil) {
		return false, state.BackoffUntil.Sub(now)
	}
	if !limited {
		return true, 0
	}

	windowEnd := state.WindowStart.Add(limit.WindowDuration)
	if now.After(windowEnd) {
		return true, 0
	}
	if state.RequestCount >= limit.RequestsPerWindow {
		return false, windowEnd.Sub(now)
	}
	return true, 0
}

func (r *RateLimiter) resetIfExpired(state *core.RateLimitState, limit RateLimit) {
	now := r.now()
	if state.WindowStart.IsZero() {
		state.WindowStart = now
		return
	}
	if limit.WindowDuration > 0 && now.After(state.WindowStart.Add(limit.WindowDuration)) {
		state.RequestCount = 0
		state.WindowStart = now
	}
}

func (r *RateLimiter) load(ctx context.Context, upstream string) (*core.RateLimitState, error) {
	state, err := r.store().GetRateLimit(ctx, upstream)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &core.RateLimitState{WindowStart: r.now()}, nil
	}
	return state.Clone(), nil
}

func (r *RateLimiter) store() RateLimitStore {
	if r.Store == nil {
		r.Store = NewMemoryRateStore()
	}
	return r.Store
}

func (r *RateLimiter) ensureLimits() {
	if r.Limits != nil {
		return
	}
	r.Limits = make(map[string]RateLimit, len(DefaultLimits))
	for key, limit := range DefaultLimits {
		r.Limits[key] = limit
	}
}

func (r *RateLimiter) getLimit(upstream string) (RateLimit, bool) {
	if upstream == GlobalWindow {
		return r.globalLimit()
	}
	limits := r.Limits
	if limits == nil {
		limits = DefaultLimits
	}

	limit, ok := limits[upstream]
	if !ok || limit.RequestsPerWindow <= 0 {
		return RateLimit{}, false
	}
	if limit.WindowDuration <= 0 {
		limit.WindowDuration = time.Minute
	}
	return r.applyMargin(limit), true
}

func (r *RateLimiter) globalLimit() (RateLimit, bool) {
	if r == nil || r.Global.RequestsPerWindow <= 0 {
		return RateLimit{}, false
	}
	limit := r.Global
	if limit.WindowDuration <= 0 {
		limit.WindowDuration = time.Minute
	}
	return limit, true
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) applyMargin(limit RateLimit) RateLimit {
	if r == nil || r.Margin <= 0 || r.Margin > 1 {
		return limit
	}
	adjusted := int(math.Floor(float64(limit.RequestsPerWindow) * r.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	limit.RequestsPerWindow = adjusted
	return limit
}
