package upstream

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/access"
)

var symbolPattern = regexp.MustCompile(`^[a-z0-9]{1,20}$`)

// Overview is a market listing and where it came from.
type Overview struct {
	Coins     []core.MarketCoin `json:"coins"`
	Source    string            `json:"source"`
	FromCache bool              `json:"from_cache"`
	Stale     bool              `json:"stale"`
	StoredAt  time.Time         `json:"stored_at"`
}

// CoinView is one coin with its staking terms when known.
type CoinView struct {
	Symbol      string              `json:"symbol"`
	MarketData  core.MarketCoin     `json:"market_data"`
	StakingData *core.StakingRecord `json:"staking_data"`
}

// MarketService builds market listings from CoinGecko, falling back to
// CoinMarketCap, and enriches rows with a staking APY when one is reported.
type MarketService struct {
	CoinGecko      *CoinGecko
	CoinMarketCap  *CoinMarketCap
	StakingRewards *StakingRewards
	DeFiLlama      *DeFiLlama
	Staking        *StakingService
	Logger         *logging.Logger
}

// Overview returns one page of the market listing.
func (m *MarketService) Overview(ctx context.Context, q MarketsQuery) (Overview, error) {
	q, err := q.normalize()
	if err != nil {
		return Overview{}, err
	}

	coins, result, err := m.CoinGecko.Markets(ctx, q)
	source := core.UpstreamCoinGecko
	if err != nil {
		if !m.canFallback(ctx, err) {
			return Overview{}, err
		}
		fallback, fbResult, fbErr := m.fromCoinMarketCap(ctx, q)
		if fbErr != nil {
			m.debug("coinmarketcap fallback failed", zap.Error(fbErr))
			return Overview{}, err
		}
		m.warn("coingecko unavailable, serving coinmarketcap listing", zap.Error(err))
		coins, result, source = fallback, fbResult, core.UpstreamCoinMarketCap
	}

	m.enrich(ctx, coins)
	return Overview{
		Coins:     coins,
		Source:    source,
		FromCache: result.FromCache,
		Stale:     result.Stale,
		StoredAt:  result.StoredAt,
	}, nil
}

// Coin looks symbol up in the first page of the listing.
func (m *MarketService) Coin(ctx context.Context, symbol, currency string) (CoinView, error) {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(symbol) {
		return CoinView{}, &core.ValidationError{Field: "symbol", Reason: fmt.Sprintf("%q is not a ticker symbol", symbol)}
	}

	overview, err := m.Overview(ctx, MarketsQuery{Currency: currency, Limit: MaxMarketsPerPage, Page: 1})
	if err != nil {
		return CoinView{}, err
	}

	for _, coin := range overview.Coins {
		if strings.EqualFold(coin.Symbol, symbol) {
			view := CoinView{Symbol: strings.ToUpper(symbol), MarketData: coin}
			if m.Staking != nil && coin.ID != "" {
				if info, err := m.Staking.StakingInfo(ctx, coin.ID); err == nil {
					staking := info.Staking
					view.StakingData = &staking
				} else {
					m.debug("no staking data for coin", zap.String("coin", coin.ID), zap.Error(err))
				}
			}
			return view, nil
		}
	}
	return CoinView{}, fmt.Errorf("coin %s: %w", strings.ToUpper(symbol), core.ErrDataUnavailable)
}

func (m *MarketService) canFallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil || m.CoinMarketCap == nil || !m.CoinMarketCap.HasKey() {
		return false
	}
	var validation *core.ValidationError
	if errors.As(err, &validation) && validation.Field != core.UpstreamCoinGecko && validation.Field != "body" {
		return false
	}
	return true
}

func (m *MarketService) fromCoinMarketCap(ctx context.Context, q MarketsQuery) ([]core.MarketCoin, access.Result, error) {
	listings, result, err := m.CoinMarketCap.Listings(ctx, q.Currency, q.Limit*q.Page)
	if err != nil {
		return nil, result, err
	}
	start := (q.Page - 1) * q.Limit
	if start >= len(listings) {
		return []core.MarketCoin{}, result, nil
	}
	end := start + q.Limit
	if end > len(listings) {
		end = len(listings)
	}

	coins := make([]core.MarketCoin, 0, end-start)
	for _, listing := range listings[start:end] {
		coins = append(coins, listing.MarketCoin(q.Currency))
	}
	return coins, result, nil
}

// enrich sets StakingAPY from StakingRewards, then DeFiLlama pools, matching
// by symbol. Enrichment failures only drop the enrichment.
func (m *MarketService) enrich(ctx context.Context, coins []core.MarketCoin) {
	if len(coins) == 0 {
		return
	}

	var (
		g      errgroup.Group
		assets []Asset
		pools  []Pool
	)
	if m.StakingRewards != nil && m.StakingRewards.HasKey() {
		g.Go(func() error {
			var err error
			if assets, _, err = m.StakingRewards.Assets(ctx); err != nil {
				m.debug("stakingrewards enrichment skipped", zap.Error(err))
			}
			return nil
		})
	}
	if m.DeFiLlama != nil {
		g.Go(func() error {
			var err error
			if pools, _, err = m.DeFiLlama.Pools(ctx); err != nil {
				m.debug("defillama enrichment skipped", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	assetAPY := map[string]float64{}
	for _, asset := range assets {
		apy := asset.StakingAPY
		if apy == nil && asset.StakingData != nil {
			apy = asset.StakingData.APY
		}
		symbol := strings.ToLower(asset.Symbol)
		if _, seen := assetAPY[symbol]; apy != nil && !seen {
			assetAPY[symbol] = *apy
		}
	}
	poolAPY := map[string]float64{}
	for _, pool := range pools {
		symbol := strings.ToLower(pool.Symbol)
		if _, seen := poolAPY[symbol]; pool.APY != nil && !seen {
			poolAPY[symbol] = *pool.APY
		}
	}

	for i := range coins {
		symbol := strings.ToLower(coins[i].Symbol)
		if apy, ok := assetAPY[symbol]; ok {
			coins[i].StakingAPY = &apy
		} else if apy, ok := poolAPY[symbol]; ok {
			coins[i].StakingAPY = &apy
		}
	}
}

func (m *MarketService) debug(msg string, fields ...zap.Field) {
	if m.Logger != nil {
		m.Logger.Debug(msg, fields...)
	}
}

func (m *MarketService) warn(msg string, fields ...zap.Field) {
	if m.Logger != nil {
		m.Logger.Warn(msg, fields...)
	}
}
