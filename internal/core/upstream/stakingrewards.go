package upstream

import (
	"context"
	"net/http"
	"strings"

	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/access"
)

// StakingRewards reports staking terms per asset. It requires a key.
type StakingRewards struct {
	client
}

// NewStakingRewards builds a client over helper.
func NewStakingRewards(helper *access.Helper, cfg config.UpstreamConfig) *StakingRewards {
	return &StakingRewards{client: newClient(core.UpstreamStakingRewards, helper, cfg, func(h http.Header, key string) {
		h.Set("Authorization", "Bearer "+key)
	})}
}

// Asset is one row of /assets.
type Asset struct {
	ID          string       `json:"id"`
	Symbol      string       `json:"symbol"`
	Name        string       `json:"name"`
	StakingAPY  *float64     `json:"staking_apy"`
	StakingData *stakingWire `json:"staking_data"`
}

// Assets returns every asset the upstream tracks.
func (s *StakingRewards) Assets(ctx context.Context) ([]Asset, access.Result, error) {
	c := s.c()
	if err := c.ready(true); err != nil {
		return nil, access.Result{}, err
	}
	var assets []Asset
	result, err := c.get(ctx, "/assets", nil, c.name+":assets", 0, &assets)
	if err != nil {
		return nil, result, err
	}
	return assets, result, nil
}

// Staking finds coin (by symbol or id) in the asset list. It returns nil when
// the asset is unknown or reports no staking terms.
func (s *StakingRewards) Staking(ctx context.Context, coin string) (*core.StakingRecord, error) {
	assets, _, err := s.Assets(ctx)
	if err != nil {
		return nil, err
	}
	for _, asset := range assets {
		if strings.EqualFold(asset.Symbol, coin) || strings.EqualFold(asset.ID, coin) {
			return asset.StakingData.record(core.UpstreamStakingRewards), nil
		}
	}
	return nil, nil
}

// Check calls /assets without caching.
func (s *StakingRewards) Check(ctx context.Context) error {
	c := s.c()
	if err := c.ready(true); err != nil {
		return err
	}
	_, err := c.get(ctx, "/assets", nil, "", 0, nil)
	return err
}

func (s *StakingRewards) c() *client {
	if s == nil {
		return nil
	}
	return &s.client
}
