package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/cache"
	"github.com/cryptowealth/datahub/internal/core/engine"
	"github.com/cryptowealth/datahub/internal/core/upstream"
	apperrors "github.com/cryptowealth/datahub/internal/errors"
	"github.com/cryptowealth/datahub/internal/metrics"
)

// CacheHeader reports whether a data response came from the cache.
const CacheHeader = "X-Cache"

// SuccessResponse is the envelope of every successful data response.
type SuccessResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Meta      *Meta     `json:"meta,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta describes where the data came from.
type Meta struct {
	Source    string     `json:"source,omitempty"`
	FromCache bool       `json:"from_cache"`
	Stale     bool       `json:"stale"`
	StoredAt  *time.Time `json:"stored_at,omitempty"`
}

// DataHealth is the body of GET /api/data/health.
type DataHealth struct {
	Status       string            `json:"status"`
	CacheEntries int               `json:"cache_entries"`
	RateLimits   []core.RateStatus `json:"rate_limits"`
}

// DataHandler serves /api/data. Build it with NewDataHandler.
type DataHandler struct {
	set   *upstream.Set
	gate  *engine.RateLimiter
	cache *cache.Cache
}

// NewDataHandler serves set, reporting gate and c on the health routes.
func NewDataHandler(set *upstream.Set, gate *engine.RateLimiter, c *cache.Cache) *DataHandler {
	return &DataHandler{set: set, gate: gate, cache: c}
}

// Routes mounts the data endpoints on r.
func (h *DataHandler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/market-prices", h.MarketPrices)
	r.Get("/coin/{symbol}", h.Coin)
	r.Get("/staking/{coin}", h.Staking)
	r.Get("/global", h.Global)
	r.Get("/rate-limits", h.RateLimits)
	r.Get("/upstreams", h.Upstreams)
}

// Health reports cache size and every rate window.
func (h *DataHandler) Health(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.gate.StatusAll(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	count := h.cache.Len()
	metrics.SetCacheEntries(count)
	respondWithData(w, DataHealth{Status: "ok", CacheEntries: count, RateLimits: statuses}, nil)
}

// MarketPrices serves one page of the market listing.
func (h *DataHandler) MarketPrices(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	page, err := intParam(r, "page")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	overview, err := h.set.Market.Overview(r.Context(), upstream.MarketsQuery{
		Currency: r.URL.Query().Get("currency"),
		Limit:    limit,
		Page:     page,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithData(w, overview.Coins, cacheMeta(w, overview.Source, overview.FromCache, overview.Stale, overview.StoredAt))
}

// Coin serves one coin with its staking terms.
func (h *DataHandler) Coin(w http.ResponseWriter, r *http.Request) {
	view, err := h.set.Market.Coin(r.Context(), chi.URLParam(r, "symbol"), r.URL.Query().Get("currency"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithData(w, view, nil)
}

// Staking serves merged staking terms for a coin id.
func (h *DataHandler) Staking(w http.ResponseWriter, r *http.Request) {
	result, err := h.set.Staking.StakingInfo(r.Context(), chi.URLParam(r, "coin"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithData(w, result, cacheMeta(w, result.Staking.Source, result.FromCache, result.Stale, result.StoredAt))
}

// Global serves market-wide totals.
func (h *DataHandler) Global(w http.ResponseWriter, r *http.Request) {
	global, result, err := h.set.CoinGecko.Global(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithData(w, global, cacheMeta(w, core.UpstreamCoinGecko, result.FromCache, result.Stale, result.StoredAt))
}

// RateLimits serves the status of every rate window.
func (h *DataHandler) RateLimits(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.gate.StatusAll(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	for _, status := range statuses {
		if !status.Unlimited {
			metrics.SetRateLimitRemaining(status.Upstream, status.Remaining)
		}
	}
	respondWithData(w, statuses, nil)
}

// Upstreams probes every upstream.
func (h *DataHandler) Upstreams(w http.ResponseWriter, r *http.Request) {
	respondWithData(w, h.set.Prober.Probe(r.Context()), nil)
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &core.ValidationError{Field: name, Reason: "must be an integer", Err: err}
	}
	if value < 1 {
		return 0, &core.ValidationError{Field: name, Reason: "must be positive"}
	}
	return value, nil
}

func cacheMeta(w http.ResponseWriter, source string, fromCache, stale bool, storedAt time.Time) *Meta {
	switch {
	case stale:
		w.Header().Set(CacheHeader, "STALE")
	case fromCache:
		w.Header().Set(CacheHeader, "HIT")
	default:
		w.Header().Set(CacheHeader, "MISS")
	}
	meta := &Meta{Source: source, FromCache: fromCache, Stale: stale}
	if !storedAt.IsZero() {
		at := storedAt.UTC()
		meta.StoredAt = &at
	}
	return meta
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

func respondWithData(w http.ResponseWriter, data any, meta *Meta) {
	writeJSON(w, http.StatusOK, SuccessResponse{
		Success:   true,
		Data:      data,
		Meta:      meta,
		Timestamp: time.Now().UTC(),
	})
}
