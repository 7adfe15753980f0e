package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cryptowealth/datahub/internal/config"
)

// RedisClientFactory builds a client from options. Tests swap it out.
type RedisClientFactory func(options *redis.Options) *redis.Client

// RedisSnapshotStore keeps cache snapshots in Redis with an optional expiry.
type RedisSnapshotStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshotStore wraps an existing client.
func NewRedisSnapshotStore(client *redis.Client, prefix string, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{
		client: client,
		prefix: strings.TrimSpace(prefix),
		ttl:    ttl,
	}
}

// OpenRedis connects using cfg and verifies the connection with a ping.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, factory RedisClientFactory) (*RedisSnapshotStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	if factory == nil {
		factory = redis.NewClient
	}

	client := factory(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return NewRedisSnapshotStore(client, cfg.Prefix, cfg.SnapshotTTL), nil
}

// SaveCacheSnapshot implements SnapshotStore.
func (s *RedisSnapshotStore) SaveCacheSnapshot(ctx context.Context, key string, blob []byte) error {
	if s == nil || s.client == nil {
		return errors.New("redis snapshot store is not initialized")
	}
	if err := s.client.Set(ctx, s.buildKey(key), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("store cache snapshot: %w", err)
	}
	return nil
}

// LoadCacheSnapshot implements SnapshotStore. A missing key returns nil.
func (s *RedisSnapshotStore) LoadCacheSnapshot(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis snapshot store is not initialized")
	}
	blob, err := s.client.Get(ctx, s.buildKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch cache snapshot: %w", err)
	}
	return blob, nil
}

// DeleteCacheSnapshot implements SnapshotStore.
func (s *RedisSnapshotStore) DeleteCacheSnapshot(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return errors.New("redis snapshot store is not initialized")
	}
	if err := s.client.Del(ctx, s.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("delete cache snapshot: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisSnapshotStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis snapshot store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisSnapshotStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisSnapshotStore) buildKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}
