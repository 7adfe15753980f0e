package core

import (
	"encoding/json"
	"time"
)

// Upstream names used for rate gating and cache keys.
const (
	UpstreamCoinGecko      = "coingecko"
	UpstreamCoinMarketCap  = "coinmarketcap"
	UpstreamStakingRewards = "stakingrewards"
	UpstreamDeFiLlama      = "defillama"
)

// RateStatus is a read-only snapshot of an upstream rate window.
type RateStatus struct {
	Upstream      string     `json:"upstream"`
	RequestCount  int        `json:"request_count"`
	Limit         int        `json:"limit"`
	Remaining     int        `json:"remaining"`
	WindowStart   time.Time  `json:"window_start"`
	WindowResetAt time.Time  `json:"window_reset_at"`
	BackoffUntil  *time.Time `json:"backoff_until,omitempty"`
	Unlimited     bool       `json:"unlimited,omitempty"`
}

// CacheEntry is a stored upstream payload. A positive TTL overrides the
// cache default for this entry; it serializes as nanoseconds.
type CacheEntry struct {
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl,omitempty"`
}

// StakingRecord describes staking terms for one asset. Nil numeric fields
// mean the source did not report a value.
type StakingRecord struct {
	Source    string   `json:"source"`
	APY       *float64 `json:"apy,omitempty"`
	MinStake  *float64 `json:"min_stake,omitempty"`
	Type      string   `json:"type,omitempty"`
	Exchanges []string `json:"exchanges,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

// MarketCoin is one row of a market listing.
type MarketCoin struct {
	ID                string   `json:"id"`
	Symbol            string   `json:"symbol"`
	Name              string   `json:"name"`
	Image             string   `json:"image,omitempty"`
	MarketCapRank     int      `json:"market_cap_rank,omitempty"`
	CurrentPrice      float64  `json:"current_price"`
	MarketCap         float64  `json:"market_cap"`
	TotalVolume       float64  `json:"total_volume"`
	PriceChange24hPct *float64 `json:"price_change_percentage_24h,omitempty"`
	StakingAPY        *float64 `json:"staking_apy,omitempty"`
}

// GlobalMarket summarizes the whole market.
type GlobalMarket struct {
	ActiveCryptocurrencies int                `json:"active_cryptocurrencies"`
	Markets                int                `json:"markets"`
	TotalMarketCap         map[string]float64 `json:"total_market_cap"`
	TotalVolume            map[string]float64 `json:"total_volume"`
	MarketCapPercentage    map[string]float64 `json:"market_cap_percentage"`
	MarketCapChange24hPct  float64            `json:"market_cap_change_percentage_24h_usd"`
	UpdatedAt              int64              `json:"updated_at"`
}

// ProbeStatus is the outcome of an upstream connectivity probe.
type ProbeStatus string

const (
	ProbeSuccess ProbeStatus = "success"
	ProbeError   ProbeStatus = "error"
	ProbeWarning ProbeStatus = "warning"
)

// ProbeResult reports reachability of one upstream.
type ProbeResult struct {
	Upstream string        `json:"upstream"`
	Status   ProbeStatus   `json:"status"`
	Message  string        `json:"message"`
	Latency  time.Duration `json:"latency_ns"`
}
