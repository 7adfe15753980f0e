package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/core/access"
	"github.com/cryptowealth/datahub/internal/core/cache"
	"github.com/cryptowealth/datahub/internal/core/engine"
	"github.com/cryptowealth/datahub/internal/core/fetch"
	"github.com/cryptowealth/datahub/internal/core/store"
	"github.com/cryptowealth/datahub/internal/core/upstream"
)

// services is everything one process shares: a single cache, gate and helper
// built from config and handed to commands and the server explicitly.
type services struct {
	cfg    *config.Config
	cache  *cache.Cache
	gate   *engine.RateLimiter
	helper *access.Helper
	set    *upstream.Set

	// db is nil unless store.driver is libsql.
	db *store.Store
	// redis is nil unless cache.snapshot is redis.
	redis    *cache.RedisSnapshotStore
	snapshot cache.SnapshotStore
	restored bool

	logger *logging.Logger
}

// redisFactory is swapped out by tests.
var redisFactory cache.RedisClientFactory

// newServices opens the configured store and snapshot backend and restores
// the cache snapshot when asked to.
func newServices(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*services, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	s := &services{cfg: cfg, logger: logger}

	var rateStore engine.RateLimitStore
	if cfg.Store.Driver == "libsql" {
		db, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		s.db = db
		rateStore = db
	}

	switch cfg.Cache.Snapshot {
	case config.SnapshotStore:
		if s.db != nil {
			s.snapshot = s.db
		}
	case config.SnapshotRedis:
		rs, err := cache.OpenRedis(ctx, cfg.Redis, redisFactory)
		if err != nil {
			_ = s.close(ctx)
			return nil, err
		}
		s.redis = rs
		s.snapshot = rs
	}

	s.cache = cache.New(cfg.Cache.TTL)
	s.gate = newGate(rateStore, cfg)

	mode, err := fetch.ParseBackoffMode(cfg.Fetch.Backoff)
	if err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	s.helper = &access.Helper{
		Cache: s.cache,
		Gate:  s.gate,
		Fetcher: &fetch.Fetcher{
			Client:    &http.Client{},
			UserAgent: cfg.Fetch.UserAgent,
			Logger:    logger,
		},
		Options: fetch.Options{
			MaxAttempts: cfg.Fetch.MaxAttempts,
			Timeout:     cfg.Fetch.Timeout,
			Backoff: fetch.Backoff{
				Mode: mode,
				Base: cfg.Fetch.RetryDelay,
				Max:  cfg.Fetch.MaxDelay,
			},
		},
		StaleFallback: cfg.Cache.StaleFallback,
		StaleMaxAge:   cfg.Cache.StaleMaxAge,
		Logger:        logger,
	}
	s.set = upstream.NewSet(s.helper, cfg, logger)

	if s.snapshot != nil && cfg.Cache.RestoreOnStart {
		if err := s.restoreSnapshot(ctx); err != nil {
			s.warn("Failed to restore cache snapshot", zap.Error(err))
		}
	}
	return s, nil
}

// restoreSnapshot loads the snapshot into the cache once per process.
func (s *services) restoreSnapshot(ctx context.Context) error {
	if s.restored || s.snapshot == nil {
		return nil
	}
	restored, err := s.cache.Load(ctx, s.snapshot, s.cfg.Cache.SnapshotKey)
	if err != nil {
		return err
	}
	s.restored = true
	s.debug("Restored cache snapshot", zap.Int("entries", restored))
	return nil
}

// newGate builds the rate gate: published defaults, then per-upstream
// windows from config, then the flat per-minute overrides and the margin,
// then the global window.
func newGate(rateStore engine.RateLimitStore, cfg *config.Config) *engine.RateLimiter {
	gate := engine.NewRateLimiter(rateStore, nil)
	if cfg == nil {
		return gate
	}
	for name, up := range cfg.Upstreams {
		if up.RequestsPerWindow > 0 {
			gate.SetLimit(name, engine.RateLimit{RequestsPerWindow: up.RequestsPerWindow, WindowDuration: up.Window})
		}
	}
	gate.ApplyOverrides(cfg.RateLimits)
	gate.ApplySafetyMargin(cfg.RateLimitMargin)
	gate.Global = engine.RateLimit{
		RequestsPerWindow: cfg.GlobalRateLimit.Requests,
		WindowDuration:    cfg.GlobalRateLimit.Window,
	}
	return gate
}

// persist writes the cache snapshot if a backend is configured.
func (s *services) persist(ctx context.Context) error {
	if s == nil || s.snapshot == nil {
		return nil
	}
	if err := s.cache.Persist(ctx, s.snapshot, s.cfg.Cache.SnapshotKey); err != nil {
		return fmt.Errorf("persist cache snapshot: %w", err)
	}
	s.debug("Persisted cache snapshot", zap.Int("entries", s.cache.Len()))
	return nil
}

// close persists the snapshot and releases backends.
func (s *services) close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.persist(ctx))
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func (s *services) debug(msg string, fields ...zap.Field) {
	if s.logger != nil {
		s.logger.Debug(msg, fields...)
	}
}

func (s *services) warn(msg string, fields ...zap.Field) {
	if s.logger != nil {
		s.logger.Warn(msg, fields...)
	}
}
