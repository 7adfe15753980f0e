package upstream

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cryptowealth/datahub/internal/core"
)

// Prober checks that each upstream answers.
type Prober struct {
	CoinGecko      *CoinGecko
	CoinMarketCap  *CoinMarketCap
	StakingRewards *StakingRewards
	DeFiLlama      *DeFiLlama
	Clock          func() time.Time
}

// Probe checks every upstream concurrently. Upstreams without a required
// key report a warning rather than an error. Results are in upstream order.
func (p *Prober) Probe(ctx context.Context) []core.ProbeResult {
	checks := []struct {
		name  string
		check func(context.Context) error
	}{
		{core.UpstreamCoinGecko, p.CoinGecko.Ping},
		{core.UpstreamCoinMarketCap, p.CoinMarketCap.Check},
		{core.UpstreamStakingRewards, p.StakingRewards.Check},
		{core.UpstreamDeFiLlama, p.DeFiLlama.Check},
	}

	results := make([]core.ProbeResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			started := p.now()
			err := c.check(ctx)
			results[i] = probeResult(c.name, err, p.now().Sub(started))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func probeResult(name string, err error, latency time.Duration) core.ProbeResult {
	result := core.ProbeResult{Upstream: name, Latency: latency}
	switch {
	case err == nil:
		result.Status = core.ProbeSuccess
		result.Message = "Connection successful"
	case errors.Is(err, ErrNoAPIKey):
		result.Status = core.ProbeWarning
		result.Message = "No API key provided"
	case errors.Is(err, ErrDisabled):
		result.Status = core.ProbeWarning
		result.Message = "Disabled in configuration"
	case core.IsRateLimited(err):
		result.Status = core.ProbeWarning
		result.Message = err.Error()
	default:
		result.Status = core.ProbeError
		result.Message = err.Error()
	}
	return result
}

func (p *Prober) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}
