package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/access"
	"github.com/cryptowealth/datahub/internal/core/cache"
	"github.com/cryptowealth/datahub/internal/core/staking"
)

// StakingSource reports staking terms for one coin. A nil record with a nil
// error means the source has nothing for the coin.
type StakingSource interface {
	Name() string
	Staking(ctx context.Context, coin string) (*core.StakingRecord, error)
}

// Staking adapts CoinGecko to StakingSource.
func (g *CoinGecko) Staking(ctx context.Context, coin string) (*core.StakingRecord, error) {
	return g.CoinStaking(ctx, coin)
}

// StakingResult is merged staking terms for one coin.
type StakingResult struct {
	Coin      string             `json:"coin"`
	Staking   core.StakingRecord `json:"staking"`
	FromCache bool               `json:"from_cache"`
	Stale     bool               `json:"stale"`
	StoredAt  time.Time          `json:"stored_at"`
}

// StakingService queries staking sources concurrently and merges what they
// report. Merged results are cached under StakingCacheKey(coin).
type StakingService struct {
	Sources []StakingSource
	Cache   *cache.Cache
	TTL     time.Duration

	StaleFallback bool
	StaleMaxAge   time.Duration

	Logger *logging.Logger
}

// StakingCacheKey is the cache key of a merged staking result.
func StakingCacheKey(coin string) string {
	return "staking_" + coin
}

// StakingInfo returns merged staking terms for coin.
//
// Sources that fail or report nothing are skipped. When no source reports
// anything the error wraps core.ErrDataUnavailable, or is the rate limit
// rejection when that is why nothing was fetched.
func (s *StakingService) StakingInfo(ctx context.Context, coin string) (StakingResult, error) {
	coin, err := validateCoinID(coin)
	if err != nil {
		return StakingResult{}, err
	}
	key := StakingCacheKey(coin)

	if !access.Refreshing(ctx) {
		if entry, ok := s.Cache.Fresh(key, s.TTL); ok {
			var record core.StakingRecord
			if err := json.Unmarshal(entry.Payload, &record); err == nil {
				return StakingResult{Coin: coin, Staking: record, FromCache: true, StoredAt: entry.StoredAt}, nil
			}
			s.Cache.Delete(key)
		}
	}

	records, errs := s.collect(ctx, coin)
	if len(records) == 0 {
		if ctx.Err() != nil {
			return StakingResult{}, ctx.Err()
		}
		cause := noDataError(coin, errs)
		if stale, ok := s.stale(key, coin); ok {
			s.logInfo("serving stale staking result", zap.String("coin", coin), zap.NamedError("cause", cause))
			return stale, nil
		}
		return StakingResult{}, cause
	}

	merged, err := staking.Merge(records)
	if err != nil {
		return StakingResult{}, err
	}

	now := time.Now().UTC()
	if payload, err := json.Marshal(merged); err == nil {
		s.Cache.SetWithTTL(key, payload, s.TTL)
		if entry, ok := s.Cache.Peek(key); ok {
			now = entry.StoredAt
		}
	}
	return StakingResult{Coin: coin, Staking: merged, StoredAt: now}, nil
}

// collect fans out to every source. Records keep source order so the merge
// tie-break is deterministic.
func (s *StakingService) collect(ctx context.Context, coin string) ([]core.StakingRecord, []error) {
	results := make([]*core.StakingRecord, len(s.Sources))
	errs := make([]error, len(s.Sources))

	var g errgroup.Group
	for i, source := range s.Sources {
		if source == nil {
			continue
		}
		g.Go(func() error {
			record, err := source.Staking(ctx, coin)
			switch {
			case errors.Is(err, ErrNoAPIKey), errors.Is(err, ErrDisabled):
				s.logDebug("staking source skipped", zap.String("source", source.Name()), zap.Error(err))
			case err != nil:
				errs[i] = err
				s.logWarn("staking source failed", zap.String("source", source.Name()), zap.String("coin", coin), zap.Error(err))
			default:
				results[i] = record
			}
			return nil
		})
	}
	_ = g.Wait()

	records := make([]core.StakingRecord, 0, len(results))
	for _, record := range results {
		if record != nil {
			records = append(records, *record)
		}
	}
	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	return records, failures
}

func noDataError(coin string, errs []error) error {
	for _, err := range errs {
		var rl *core.RateLimitError
		if errors.As(err, &rl) {
			return err
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("staking info for %s: %w", coin, errors.Join(append([]error{core.ErrDataUnavailable}, errs...)...))
	}
	return fmt.Errorf("staking info for %s: %w", coin, core.ErrDataUnavailable)
}

func (s *StakingService) stale(key, coin string) (StakingResult, bool) {
	if !s.StaleFallback {
		return StakingResult{}, false
	}
	entry, ok := s.Cache.Peek(key)
	if !ok {
		return StakingResult{}, false
	}
	if s.StaleMaxAge > 0 && s.Cache.IsStale(key, s.StaleMaxAge) {
		return StakingResult{}, false
	}
	var record core.StakingRecord
	if err := json.Unmarshal(entry.Payload, &record); err != nil {
		return StakingResult{}, false
	}
	return StakingResult{Coin: coin, Staking: record, FromCache: true, Stale: true, StoredAt: entry.StoredAt}, true
}

func (s *StakingService) logDebug(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Debug(msg, fields...)
	}
}

func (s *StakingService) logInfo(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Info(msg, fields...)
	}
}

func (s *StakingService) logWarn(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Warn(msg, fields...)
	}
}
