package upstream

import (
	"context"
	"strings"

	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/access"
)

// DeFiLlama reports protocol TVL and yield pools. It needs no key.
type DeFiLlama struct {
	client
	// YieldsURL is the base of the pools API, which lives on its own host.
	YieldsURL string
}

// DefaultYieldsURL serves /pools.
const DefaultYieldsURL = "https://yields.llama.fi"

// NewDeFiLlama builds a client over helper.
func NewDeFiLlama(helper *access.Helper, cfg config.UpstreamConfig) *DeFiLlama {
	return &DeFiLlama{client: newClient(core.UpstreamDeFiLlama, helper, cfg, nil), YieldsURL: DefaultYieldsURL}
}

// Protocol is one row of /protocols.
type Protocol struct {
	Name        string       `json:"name"`
	Symbol      string       `json:"symbol"`
	Slug        string       `json:"slug"`
	TVL         *float64     `json:"tvl"`
	Category    string       `json:"category"`
	StakingData *stakingWire `json:"staking_data"`
}

// Pool is one row of the yields /pools listing.
type Pool struct {
	Pool    string   `json:"pool"`
	Chain   string   `json:"chain"`
	Project string   `json:"project"`
	Symbol  string   `json:"symbol"`
	TVLUsd  float64  `json:"tvlUsd"`
	APY     *float64 `json:"apy"`
}

// Protocols returns every tracked protocol.
func (d *DeFiLlama) Protocols(ctx context.Context) ([]Protocol, access.Result, error) {
	c := d.c()
	if err := c.ready(false); err != nil {
		return nil, access.Result{}, err
	}
	var protocols []Protocol
	result, err := c.get(ctx, "/protocols", nil, c.name+":protocols", 0, &protocols)
	if err != nil {
		return nil, result, err
	}
	return protocols, result, nil
}

// Pools returns yield pools. They are served from YieldsURL but share the
// DeFiLlama rate window.
func (d *DeFiLlama) Pools(ctx context.Context) ([]Pool, access.Result, error) {
	c := d.c()
	if err := c.ready(false); err != nil {
		return nil, access.Result{}, err
	}
	pools := *c
	pools.baseURL = strings.TrimRight(d.YieldsURL, "/")
	if pools.baseURL == "" {
		pools.baseURL = DefaultYieldsURL
	}

	var body struct {
		Data []Pool `json:"data"`
	}
	result, err := pools.get(ctx, "/pools", nil, c.name+":pools", 0, &body)
	if err != nil {
		return nil, result, err
	}
	return body.Data, result, nil
}

// Staking finds a protocol whose symbol equals coin or whose name contains
// it, and returns its staking terms.
func (d *DeFiLlama) Staking(ctx context.Context, coin string) (*core.StakingRecord, error) {
	protocols, _, err := d.Protocols(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(coin)
	for _, protocol := range protocols {
		if strings.EqualFold(protocol.Symbol, coin) || strings.Contains(strings.ToLower(protocol.Name), needle) {
			if record := protocol.StakingData.record(core.UpstreamDeFiLlama); record != nil {
				return record, nil
			}
		}
	}
	return nil, nil
}

// Check calls /protocols without caching.
func (d *DeFiLlama) Check(ctx context.Context) error {
	c := d.c()
	if err := c.ready(false); err != nil {
		return err
	}
	_, err := c.get(ctx, "/protocols", nil, "", 0, nil)
	return err
}

func (d *DeFiLlama) c() *client {
	if d == nil {
		return nil
	}
	return &d.client
}
