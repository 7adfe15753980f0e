package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/access"
	"github.com/cryptowealth/datahub/internal/core/cache"
	"github.com/cryptowealth/datahub/internal/core/engine"
	"github.com/cryptowealth/datahub/internal/core/fetch"
)

const marketsBody = `[
 {"id":"bitcoin","symbol":"btc","name":"Bitcoin","market_cap_rank":1,"current_price":60000,"market_cap":1.2e12,"total_volume":3e10,"price_change_percentage_24h":1.5},
 {"id":"ethereum","symbol":"eth","name":"Ethereum","market_cap_rank":2,"current_price":3000,"market_cap":3.6e11,"total_volume":1.5e10}
]`

type fakeAPI struct {
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]*atomic.Int32
	server   *httptest.Server
	headers  map[string]http.Header
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		handlers: map[string]http.HandlerFunc{},
		calls:    map[string]*atomic.Int32{},
		headers:  map[string]http.Header{},
	}
	api.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		handler, ok := api.handlers[r.URL.Path]
		counter := api.calls[r.URL.Path]
		api.headers[r.URL.Path] = r.Header.Clone()
		api.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		counter.Add(1)
		handler(w, r)
	}))
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeAPI) handle(path string, status int, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[path] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
	if a.calls[path] == nil {
		a.calls[path] = &atomic.Int32{}
	}
}

func (a *fakeAPI) count(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c := a.calls[path]; c != nil {
		return int(c.Load())
	}
	return 0
}

func (a *fakeAPI) header(path string) http.Header {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.headers[path]
}

func newTestSet(t *testing.T, api *fakeAPI, keys map[string]string, limits map[string]engine.RateLimit) *Set {
	t.Helper()
	if limits == nil {
		limits = map[string]engine.RateLimit{}
	}
	helper := &access.Helper{
		Cache:   cache.New(time.Minute),
		Gate:    engine.NewRateLimiter(engine.NewMemoryRateStore(), limits),
		Fetcher: &fetch.Fetcher{Client: api.server.Client(), Sleep: func(context.Context, time.Duration) error { return nil }},
		Options: fetch.Options{MaxAttempts: 1, Timeout: time.Second},
	}
	cfg := &config.Config{Upstreams: map[string]config.UpstreamConfig{}}
	for _, name := range []string{core.UpstreamCoinGecko, core.UpstreamCoinMarketCap, core.UpstreamStakingRewards, core.UpstreamDeFiLlama} {
		cfg.Upstreams[name] = config.UpstreamConfig{BaseURL: api.server.URL + "/" + name, APIKey: keys[name], Enabled: true}
	}
	cfg.Cache.StakingTTL = time.Minute

	set := NewSet(helper, cfg, nil)
	set.DeFiLlama.YieldsURL = api.server.URL + "/yields"
	return set
}

func TestCoinGeckoMarkets(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/markets", http.StatusOK, marketsBody)
	set := newTestSet(t, api, nil, nil)

	coins, result, err := set.CoinGecko.Markets(context.Background(), MarketsQuery{Currency: "USD", Limit: 2})
	require.NoError(t, err)
	require.Len(t, coins, 2)
	assert.Equal(t, "btc", coins[0].Symbol)
	require.NotNil(t, coins[0].PriceChange24hPct)
	assert.Nil(t, coins[1].PriceChange24hPct)
	assert.False(t, result.FromCache)

	_, result, err = set.CoinGecko.Markets(context.Background(), MarketsQuery{Currency: "usd", Limit: 2})
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, 1, api.count("/coingecko/coins/markets"))
}

func TestCoinGeckoMarketsValidation(t *testing.T) {
	api := newFakeAPI(t)
	set := newTestSet(t, api, nil, nil)

	tests := []MarketsQuery{
		{Currency: "us-dollar"},
		{Limit: MaxMarketsPerPage + 1},
		{Limit: -1},
		{Page: -2},
	}
	for _, q := range tests {
		_, _, err := set.CoinGecko.Markets(context.Background(), q)
		var validation *core.ValidationError
		require.ErrorAs(t, err, &validation, "query %+v", q)
	}
	assert.Equal(t, 0, api.count("/coingecko/coins/markets"))
}

func TestCoinGeckoGlobal(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/global", http.StatusOK, `{"data":{"active_cryptocurrencies":12000,"markets":900,"total_market_cap":{"usd":2.5e12},"market_cap_change_percentage_24h_usd":-1.2,"updated_at":1700000000}}`)
	set := newTestSet(t, api, nil, nil)

	global, _, err := set.CoinGecko.Global(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12000, global.ActiveCryptocurrencies)
	assert.InDelta(t, 2.5e12, global.TotalMarketCap["usd"], 1)
	assert.InDelta(t, -1.2, global.MarketCapChange24hPct, 0.001)
}

func TestCoinGeckoGlobalMissingData(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/global", http.StatusOK, `{"status":"ok"}`)
	set := newTestSet(t, api, nil, nil)

	_, _, err := set.CoinGecko.Global(context.Background())
	var validation *core.ValidationError
	require.ErrorAs(t, err, &validation)

	_, ok := set.CoinGecko.helper.Cache.Peek("coingecko:global")
	assert.False(t, ok, "invalid payload must not stay cached")
}

func TestKeyedUpstreamsRequireKeys(t *testing.T) {
	api := newFakeAPI(t)
	set := newTestSet(t, api, nil, nil)

	_, _, err := set.CoinMarketCap.Listings(context.Background(), "usd", 10)
	require.ErrorIs(t, err, ErrNoAPIKey)

	_, _, err = set.StakingRewards.Assets(context.Background())
	require.ErrorIs(t, err, ErrNoAPIKey)
}

func TestAuthHeaders(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coinmarketcap/cryptocurrency/listings/latest", http.StatusOK, `{"data":[]}`)
	api.handle("/stakingrewards/assets", http.StatusOK, `[]`)
	set := newTestSet(t, api, map[string]string{
		core.UpstreamCoinMarketCap:  "cmc-key",
		core.UpstreamStakingRewards: "sr-key",
	}, nil)

	_, _, err := set.CoinMarketCap.Listings(context.Background(), "usd", 10)
	require.NoError(t, err)
	_, _, err = set.StakingRewards.Assets(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "cmc-key", api.header("/coinmarketcap/cryptocurrency/listings/latest").Get("X-CMC_PRO_API_KEY"))
	assert.Equal(t, "Bearer sr-key", api.header("/stakingrewards/assets").Get("Authorization"))
}

func TestDisabledUpstream(t *testing.T) {
	api := newFakeAPI(t)
	set := newTestSet(t, api, nil, nil)
	set.DeFiLlama.enabled = false

	_, _, err := set.DeFiLlama.Protocols(context.Background())
	require.ErrorIs(t, err, ErrDisabled)
}

func TestSetEnabled(t *testing.T) {
	api := newFakeAPI(t)
	set := newTestSet(t, api, nil, nil)
	set.CoinMarketCap.enabled = false

	assert.Equal(t, []string{core.UpstreamCoinGecko, core.UpstreamStakingRewards, core.UpstreamDeFiLlama}, set.Enabled())
	assert.Nil(t, (*Set)(nil).Enabled())
	assert.Empty(t, (&Set{}).Enabled())
}

func TestNilClient(t *testing.T) {
	var gecko *CoinGecko
	require.Error(t, gecko.Ping(context.Background()))
}

func TestStakingInfoMergesSources(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/ethereum", http.StatusOK, `{"id":"ethereum","staking_data":{"apy":4,"min_stake":32,"type":"pos","exchanges":["Kraken"]}}`)
	api.handle("/stakingrewards/assets", http.StatusOK, `[{"id":"ethereum","symbol":"ETH","staking_data":{"apy":6,"min_stake":0.01,"type":"liquid","exchanges":["Binance","Kraken"]}}]`)
	api.handle("/defillama/protocols", http.StatusOK, `[{"name":"Lido","symbol":"LDO"},{"name":"Ethereum Staking","symbol":"ETH","staking_data":{"apy":5,"type":"pos"}}]`)
	set := newTestSet(t, api, map[string]string{core.UpstreamStakingRewards: "key"}, nil)

	result, err := set.Staking.StakingInfo(context.Background(), "Ethereum")
	require.NoError(t, err)
	assert.Equal(t, "ethereum", result.Coin)
	require.NotNil(t, result.Staking.APY)
	assert.InDelta(t, 5.0, *result.Staking.APY, 0.0001)
	require.NotNil(t, result.Staking.MinStake)
	assert.InDelta(t, 0.01, *result.Staking.MinStake, 0.0001)
	assert.Equal(t, []string{"Kraken", "Binance"}, result.Staking.Exchanges)
	assert.Equal(t, "pos", result.Staking.Type)
	assert.False(t, result.FromCache)

	cached, err := set.Staking.StakingInfo(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, result.Staking, cached.Staking)
	assert.Equal(t, 1, api.count("/coingecko/coins/ethereum"))
}

func TestStakingInfoSkipsFailedSources(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/cardano", http.StatusInternalServerError, `{"error":"boom"}`)
	api.handle("/defillama/protocols", http.StatusOK, `[{"name":"Cardano Staking","symbol":"ADA","staking_data":{"apy":3.5}}]`)
	set := newTestSet(t, api, nil, nil)

	result, err := set.Staking.StakingInfo(context.Background(), "cardano")
	require.NoError(t, err)
	assert.Equal(t, core.UpstreamDeFiLlama, result.Staking.Source)
	require.NotNil(t, result.Staking.APY)
	assert.InDelta(t, 3.5, *result.Staking.APY, 0.0001)
}

func TestStakingInfoNoData(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/dogecoin", http.StatusOK, `{"id":"dogecoin"}`)
	api.handle("/defillama/protocols", http.StatusOK, `[]`)
	set := newTestSet(t, api, nil, nil)

	_, err := set.Staking.StakingInfo(context.Background(), "dogecoin")
	require.ErrorIs(t, err, core.ErrDataUnavailable)
}

func TestStakingInfoRateLimited(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/solana", http.StatusOK, `{"id":"solana","staking_data":{"apy":7}}`)
	api.handle("/defillama/protocols", http.StatusOK, `[]`)
	set := newTestSet(t, api, nil, map[string]engine.RateLimit{
		core.UpstreamCoinGecko: {RequestsPerWindow: 1, WindowDuration: time.Hour},
		core.UpstreamDeFiLlama: {RequestsPerWindow: 1, WindowDuration: time.Hour},
	})

	_, err := set.Staking.StakingInfo(context.Background(), "solana")
	require.NoError(t, err)

	set.Staking.Cache.Clear()
	_, err = set.Staking.StakingInfo(context.Background(), "solana")
	var rl *core.RateLimitError
	require.ErrorAs(t, err, &rl)
}

func TestStakingInfoStaleFallback(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/polkadot", http.StatusOK, `{"id":"polkadot","staking_data":{"apy":12}}`)
	api.handle("/defillama/protocols", http.StatusOK, `[]`)
	set := newTestSet(t, api, nil, nil)

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	set.Staking.Cache.Clock = func() time.Time { return clock }
	set.Staking.StaleFallback = true

	_, err := set.Staking.StakingInfo(context.Background(), "polkadot")
	require.NoError(t, err)

	clock = clock.Add(5 * time.Minute)
	api.handle("/coingecko/coins/polkadot", http.StatusServiceUnavailable, `{}`)
	result, err := set.Staking.StakingInfo(context.Background(), "polkadot")
	require.NoError(t, err)
	assert.True(t, result.Stale)
	require.NotNil(t, result.Staking.APY)
	assert.InDelta(t, 12.0, *result.Staking.APY, 0.0001)
}

func TestStakingInfoRejectsBadCoin(t *testing.T) {
	api := newFakeAPI(t)
	set := newTestSet(t, api, nil, nil)

	_, err := set.Staking.StakingInfo(context.Background(), "../etc")
	var validation *core.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "coin", validation.Field)
}

func TestMarketOverviewEnrichesAPY(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/markets", http.StatusOK, marketsBody)
	api.handle("/stakingrewards/assets", http.StatusOK, `[{"symbol":"ETH","staking_apy":4.2}]`)
	api.handle("/yields/pools", http.StatusOK, `{"status":"success","data":[{"symbol":"BTC","apy":0.5,"project":"x"},{"symbol":"ETH","apy":9}]}`)
	set := newTestSet(t, api, map[string]string{core.UpstreamStakingRewards: "key"}, nil)

	overview, err := set.Market.Overview(context.Background(), MarketsQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, core.UpstreamCoinGecko, overview.Source)
	require.Len(t, overview.Coins, 2)
	require.NotNil(t, overview.Coins[0].StakingAPY)
	assert.InDelta(t, 0.5, *overview.Coins[0].StakingAPY, 0.0001)
	require.NotNil(t, overview.Coins[1].StakingAPY)
	assert.InDelta(t, 4.2, *overview.Coins[1].StakingAPY, 0.0001, "stakingrewards wins over pools")
}

func TestMarketOverviewFallsBackToCoinMarketCap(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/markets", http.StatusBadGateway, `{}`)
	api.handle("/coinmarketcap/cryptocurrency/listings/latest", http.StatusOK, `{"data":[
		{"id":1,"name":"Bitcoin","symbol":"BTC","slug":"bitcoin","cmc_rank":1,"quote":{"USD":{"price":61000,"market_cap":1.2e12,"volume_24h":2e10}}}
	]}`)
	set := newTestSet(t, api, map[string]string{core.UpstreamCoinMarketCap: "key"}, nil)

	overview, err := set.Market.Overview(context.Background(), MarketsQuery{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, core.UpstreamCoinMarketCap, overview.Source)
	require.Len(t, overview.Coins, 1)
	assert.Equal(t, "btc", overview.Coins[0].Symbol)
	assert.InDelta(t, 61000, overview.Coins[0].CurrentPrice, 0.01)
}

func TestMarketOverviewWithoutFallbackReturnsPrimaryError(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/markets", http.StatusBadGateway, `{}`)
	set := newTestSet(t, api, nil, nil)

	_, err := set.Market.Overview(context.Background(), MarketsQuery{Limit: 1})
	var status *core.HTTPStatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusBadGateway, status.StatusCode)
}

func TestMarketCoin(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/coins/markets", http.StatusOK, marketsBody)
	api.handle("/coingecko/coins/ethereum", http.StatusOK, `{"id":"ethereum","staking_data":{"apy":4}}`)
	api.handle("/defillama/protocols", http.StatusOK, `[]`)
	set := newTestSet(t, api, nil, nil)

	view, err := set.Market.Coin(context.Background(), "ETH", "usd")
	require.NoError(t, err)
	assert.Equal(t, "ETH", view.Symbol)
	assert.Equal(t, "ethereum", view.MarketData.ID)
	require.NotNil(t, view.StakingData)

	_, err = set.Market.Coin(context.Background(), "zzz", "usd")
	require.ErrorIs(t, err, core.ErrDataUnavailable)

	_, err = set.Market.Coin(context.Background(), "no/pe", "usd")
	var validation *core.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestProbe(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("/coingecko/ping", http.StatusOK, `{"gecko_says":"(V3) To the Moon!"}`)
	api.handle("/defillama/protocols", http.StatusInternalServerError, `{}`)
	set := newTestSet(t, api, nil, nil)

	results := set.Prober.Probe(context.Background())
	require.Len(t, results, 4)

	byName := map[string]core.ProbeResult{}
	for _, r := range results {
		byName[r.Upstream] = r
	}
	assert.Equal(t, core.ProbeSuccess, byName[core.UpstreamCoinGecko].Status)
	assert.Equal(t, core.ProbeWarning, byName[core.UpstreamCoinMarketCap].Status)
	assert.Equal(t, core.ProbeWarning, byName[core.UpstreamStakingRewards].Status)
	assert.Equal(t, core.ProbeError, byName[core.UpstreamDeFiLlama].Status)
	assert.Equal(t, 0, api.count("/coinmarketcap/global-metrics/quotes/latest"))
}

func TestProbeResultClassification(t *testing.T) {
	assert.Equal(t, core.ProbeWarning, probeResult("x", &core.RateLimitError{Upstream: "x"}, 0).Status)
	assert.Equal(t, core.ProbeError, probeResult("x", errors.New("boom"), 0).Status)
	assert.Equal(t, core.ProbeSuccess, probeResult("x", nil, 0).Status)
}
