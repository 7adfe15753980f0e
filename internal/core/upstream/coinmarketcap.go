package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/access"
)

// CoinMarketCap is the secondary market source. It requires a key.
type CoinMarketCap struct {
	client
}

// NewCoinMarketCap builds a client over helper.
func NewCoinMarketCap(helper *access.Helper, cfg config.UpstreamConfig) *CoinMarketCap {
	return &CoinMarketCap{client: newClient(core.UpstreamCoinMarketCap, helper, cfg, func(h http.Header, key string) {
		h.Set("X-CMC_PRO_API_KEY", key)
	})}
}

// Listing is one row of /cryptocurrency/listings/latest.
type Listing struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Slug    string `json:"slug"`
	CMCRank int    `json:"cmc_rank"`
	Quote   map[string]struct {
		Price            float64  `json:"price"`
		MarketCap        float64  `json:"market_cap"`
		Volume24h        float64  `json:"volume_24h"`
		PercentChange24h *float64 `json:"percent_change_24h"`
	} `json:"quote"`
}

// MarketCoin converts the listing to the shared row shape, quoted in
// currency.
func (l Listing) MarketCoin(currency string) core.MarketCoin {
	coin := core.MarketCoin{
		ID:            l.Slug,
		Symbol:        strings.ToLower(l.Symbol),
		Name:          l.Name,
		MarketCapRank: l.CMCRank,
	}
	if quote, ok := l.Quote[strings.ToUpper(currency)]; ok {
		coin.CurrentPrice = quote.Price
		coin.MarketCap = quote.MarketCap
		coin.TotalVolume = quote.Volume24h
		coin.PriceChange24hPct = quote.PercentChange24h
	}
	return coin
}

// Listings returns the latest listings quoted in currency.
func (m *CoinMarketCap) Listings(ctx context.Context, currency string, limit int) ([]Listing, access.Result, error) {
	c := m.c()
	if err := c.ready(true); err != nil {
		return nil, access.Result{}, err
	}
	currency, err := validateCurrency(currency)
	if err != nil {
		return nil, access.Result{}, err
	}
	if limit == 0 {
		limit = 100
	}
	if limit < 1 || limit > 5000 {
		return nil, access.Result{}, &core.ValidationError{Field: "limit", Reason: "must be between 1 and 5000"}
	}

	query := url.Values{
		"limit":   {strconv.Itoa(limit)},
		"convert": {strings.ToUpper(currency)},
	}
	var body struct {
		Data []Listing `json:"data"`
	}
	key := fmt.Sprintf("%s:listings:%s:%d", c.name, currency, limit)
	result, err := c.get(ctx, "/cryptocurrency/listings/latest", query, key, 0, &body)
	if err != nil {
		return nil, result, err
	}
	return body.Data, result, nil
}

// Check calls the global metrics endpoint without caching.
func (m *CoinMarketCap) Check(ctx context.Context) error {
	c := m.c()
	if err := c.ready(true); err != nil {
		return err
	}
	_, err := c.get(ctx, "/global-metrics/quotes/latest", nil, "", 0, nil)
	return err
}

func (m *CoinMarketCap) c() *client {
	if m == nil {
		return nil
	}
	return &m.client
}
