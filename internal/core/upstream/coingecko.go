package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/access"
)

// MaxMarketsPerPage is the largest page CoinGecko serves.
const MaxMarketsPerPage = 250

// CoinGecko is the primary market data source. It works without a key; a
// configured key is sent as the demo API header.
type CoinGecko struct {
	client
	// GlobalTTL overrides the cache TTL for /global.
	GlobalTTL time.Duration
}

// NewCoinGecko builds a client over helper.
func NewCoinGecko(helper *access.Helper, cfg config.UpstreamConfig) *CoinGecko {
	return &CoinGecko{client: newClient(core.UpstreamCoinGecko, helper, cfg, func(h http.Header, key string) {
		h.Set("x-cg-demo-api-key", key)
	})}
}

// MarketsQuery selects one page of the market listing.
type MarketsQuery struct {
	Currency string
	Limit    int
	Page     int
}

func (q MarketsQuery) normalize() (MarketsQuery, error) {
	currency, err := validateCurrency(q.Currency)
	if err != nil {
		return q, err
	}
	q.Currency = currency
	if q.Limit == 0 {
		q.Limit = 100
	}
	if q.Limit < 1 || q.Limit > MaxMarketsPerPage {
		return q, &core.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxMarketsPerPage)}
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return q, &core.ValidationError{Field: "page", Reason: "must be positive"}
	}
	return q, nil
}

// Markets returns coins ordered by market cap.
func (g *CoinGecko) Markets(ctx context.Context, q MarketsQuery) ([]core.MarketCoin, access.Result, error) {
	c := g.c()
	if err := c.ready(false); err != nil {
		return nil, access.Result{}, err
	}
	q, err := q.normalize()
	if err != nil {
		return nil, access.Result{}, err
	}

	query := url.Values{
		"vs_currency":             {q.Currency},
		"order":                   {"market_cap_desc"},
		"per_page":                {strconv.Itoa(q.Limit)},
		"page":                    {strconv.Itoa(q.Page)},
		"sparkline":               {"false"},
		"price_change_percentage": {"24h"},
	}
	key := fmt.Sprintf("%s:markets:%s:%d:%d", c.name, q.Currency, q.Limit, q.Page)

	var coins []core.MarketCoin
	result, err := c.get(ctx, "/coins/markets", query, key, 0, &coins)
	if err != nil {
		return nil, result, err
	}
	return coins, result, nil
}

// CoinStaking returns the staking block of /coins/{id}, or nil when the coin
// reports none.
func (g *CoinGecko) CoinStaking(ctx context.Context, id string) (*core.StakingRecord, error) {
	c := g.c()
	if err := c.ready(false); err != nil {
		return nil, err
	}
	id, err := validateCoinID(id)
	if err != nil {
		return nil, err
	}

	query := url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"community_data": {"false"},
		"developer_data": {"false"},
		"sparkline":      {"false"},
	}
	var body struct {
		ID          string       `json:"id"`
		StakingData *stakingWire `json:"staking_data"`
	}
	if _, err := c.get(ctx, "/coins/"+url.PathEscape(id), query, c.name+":coin:"+id, 0, &body); err != nil {
		return nil, err
	}
	return body.StakingData.record(c.name), nil
}

// Global returns market-wide totals.
func (g *CoinGecko) Global(ctx context.Context) (core.GlobalMarket, access.Result, error) {
	c := g.c()
	if err := c.ready(false); err != nil {
		return core.GlobalMarket{}, access.Result{}, err
	}

	var body struct {
		Data *core.GlobalMarket `json:"data"`
	}
	result, err := c.get(ctx, "/global", nil, c.name+":global", g.GlobalTTL, &body)
	if err != nil {
		return core.GlobalMarket{}, result, err
	}
	if body.Data == nil {
		c.helper.Cache.Delete(c.name + ":global")
		return core.GlobalMarket{}, result, &core.ValidationError{Field: c.name, Reason: "global payload has no data object"}
	}
	return *body.Data, result, nil
}

// Ping checks reachability. It is rate gated but never cached.
func (g *CoinGecko) Ping(ctx context.Context) error {
	c := g.c()
	if err := c.ready(false); err != nil {
		return err
	}
	_, err := c.get(ctx, "/ping", nil, "", 0, nil)
	return err
}

func (g *CoinGecko) c() *client {
	if g == nil {
		return nil
	}
	return &g.client
}
