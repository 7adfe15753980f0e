// Package collector keeps the result cache warm by periodically pulling the
// market listing, global totals and staking terms through the access helper.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/core/access"
	"github.com/cryptowealth/datahub/internal/core/cache"
	"github.com/cryptowealth/datahub/internal/core/upstream"
	"github.com/cryptowealth/datahub/internal/metrics"
)

const defaultInterval = 5 * time.Minute

// Collector refreshes the cache on an interval.
type Collector struct {
	Set          *upstream.Set
	Cache        *cache.Cache
	Interval     time.Duration
	Currency     string
	Limit        int
	StakingCoins []string

	// Snapshot, when set, receives the serialized cache after every cycle.
	Snapshot    cache.SnapshotStore
	SnapshotKey string
	// PruneAge drops entries older than this before each cycle. Zero keeps
	// everything.
	PruneAge time.Duration

	Logger *logging.Logger
}

// Report summarizes one cycle.
type Report struct {
	Markets   int           `json:"markets"`
	Global    bool          `json:"global"`
	Staking   int           `json:"staking"`
	Pruned    int           `json:"pruned"`
	Persisted bool          `json:"persisted"`
	Failures  []string      `json:"failures,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Run performs a cycle immediately and then every Interval until ctx ends.
func (c *Collector) Run(ctx context.Context) error {
	if c == nil || c.Set == nil {
		return errors.New("collector: no upstream set")
	}
	interval := c.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	c.info("collector started", zap.Duration("interval", interval), zap.Strings("staking_coins", c.StakingCoins))

	c.cycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.info("collector stopped")
			return nil
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

func (c *Collector) cycle(ctx context.Context) {
	report, err := c.RunOnce(ctx)
	if err != nil {
		c.warn("collector cycle incomplete", zap.Error(err), zap.Strings("failures", report.Failures))
		return
	}
	c.debug("collector cycle complete",
		zap.Int("markets", report.Markets),
		zap.Int("staking", report.Staking),
		zap.Int("pruned", report.Pruned),
		zap.Duration("duration", report.Duration))
}

// RunOnce refetches each dataset once, replacing cache entries even while
// they are fresh. Failures of individual datasets are collected into the
// returned error; the cycle always runs to the end.
func (c *Collector) RunOnce(ctx context.Context) (Report, error) {
	if c == nil || c.Set == nil {
		return Report{}, errors.New("collector: no upstream set")
	}
	ctx = access.WithRefresh(ctx)
	started := time.Now()
	var (
		report Report
		errs   []error
	)
	fail := func(what string, err error) {
		report.Failures = append(report.Failures, what)
		errs = append(errs, fmt.Errorf("%s: %w", what, err))
	}

	if c.PruneAge > 0 {
		report.Pruned = c.Cache.Prune(c.PruneAge)
	}

	overview, err := c.Set.Market.Overview(ctx, upstream.MarketsQuery{Currency: c.Currency, Limit: c.Limit})
	if err != nil {
		fail("markets", err)
	} else {
		report.Markets = len(overview.Coins)
	}

	if _, _, err := c.Set.CoinGecko.Global(ctx); err != nil {
		fail("global", err)
	} else {
		report.Global = true
	}

	for _, coin := range c.StakingCoins {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.Set.Staking.StakingInfo(ctx, coin); err != nil {
			fail("staking "+coin, err)
			continue
		}
		report.Staking++
	}

	if c.Snapshot != nil {
		if err := c.Cache.Persist(ctx, c.Snapshot, c.SnapshotKey); err != nil {
			fail("snapshot", err)
		} else {
			report.Persisted = true
		}
	}

	metrics.SetCacheEntries(c.Cache.Len())
	report.Duration = time.Since(started)

	err = errors.Join(errs...)
	metrics.RecordCollectorCycle(err == nil)
	return report, err
}

func (c *Collector) debug(msg string, fields ...zap.Field) {
	if c.Logger != nil {
		c.Logger.Debug(msg, fields...)
	}
}

func (c *Collector) info(msg string, fields ...zap.Field) {
	if c.Logger != nil {
		c.Logger.Info(msg, fields...)
	}
}

func (c *Collector) warn(msg string, fields ...zap.Field) {
	if c.Logger != nil {
		c.Logger.Warn(msg, fields...)
	}
}
