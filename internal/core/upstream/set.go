package upstream

import (
	"github.com/fulmenhq/gofulmen/logging"

	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/access"
)

// Set is every client and service built over one helper.
type Set struct {
	CoinGecko      *CoinGecko
	CoinMarketCap  *CoinMarketCap
	StakingRewards *StakingRewards
	DeFiLlama      *DeFiLlama

	Market  *MarketService
	Staking *StakingService
	Prober  *Prober
}

// NewSet wires clients from cfg over helper.
func NewSet(helper *access.Helper, cfg *config.Config, logger *logging.Logger) *Set {
	if cfg == nil {
		cfg = &config.Config{}
	}

	set := &Set{
		CoinGecko:      NewCoinGecko(helper, cfg.Upstream(core.UpstreamCoinGecko)),
		CoinMarketCap:  NewCoinMarketCap(helper, cfg.Upstream(core.UpstreamCoinMarketCap)),
		StakingRewards: NewStakingRewards(helper, cfg.Upstream(core.UpstreamStakingRewards)),
		DeFiLlama:      NewDeFiLlama(helper, cfg.Upstream(core.UpstreamDeFiLlama)),
	}

	set.Staking = &StakingService{
		Sources:       []StakingSource{set.CoinGecko, set.StakingRewards, set.DeFiLlama},
		Cache:         helper.Cache,
		TTL:           cfg.Cache.StakingTTL,
		StaleFallback: helper.StaleFallback,
		StaleMaxAge:   helper.StaleMaxAge,
		Logger:        logger,
	}
	set.Market = &MarketService{
		CoinGecko:      set.CoinGecko,
		CoinMarketCap:  set.CoinMarketCap,
		StakingRewards: set.StakingRewards,
		DeFiLlama:      set.DeFiLlama,
		Staking:        set.Staking,
		Logger:         logger,
	}
	set.Prober = &Prober{
		CoinGecko:      set.CoinGecko,
		CoinMarketCap:  set.CoinMarketCap,
		StakingRewards: set.StakingRewards,
		DeFiLlama:      set.DeFiLlama,
	}
	return set
}

// Enabled lists the enabled upstreams in a fixed order.
func (s *Set) Enabled() []string {
	if s == nil {
		return nil
	}
	var clients []*client
	if s.CoinGecko != nil {
		clients = append(clients, &s.CoinGecko.client)
	}
	if s.CoinMarketCap != nil {
		clients = append(clients, &s.CoinMarketCap.client)
	}
	if s.StakingRewards != nil {
		clients = append(clients, &s.StakingRewards.client)
	}
	if s.DeFiLlama != nil {
		clients = append(clients, &s.DeFiLlama.client)
	}

	var names []string
	for _, c := range clients {
		if c.Enabled() {
			names = append(names, c.name)
		}
	}
	return names
}
