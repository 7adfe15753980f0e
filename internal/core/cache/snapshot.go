package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cryptowealth/datahub/internal/core"
)

// SnapshotKey is the default key under which snapshots are stored.
const SnapshotKey = "datahub:cache"

// SnapshotStore persists serialized caches.
type SnapshotStore interface {
	SaveCacheSnapshot(ctx context.Context, key string, blob []byte) error
	LoadCacheSnapshot(ctx context.Context, key string) ([]byte, error)
	DeleteCacheSnapshot(ctx context.Context, key string) error
}

// Serialize encodes every entry as a flat JSON object keyed by cache key.
func (c *Cache) Serialize() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}

	c.mu.RLock()
	snapshot := make(map[string]core.CacheEntry, len(c.entries))
	for key, entry := range c.entries {
		snapshot[key] = entry
	}
	c.mu.RUnlock()

	blob, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("serialize cache: %w", err)
	}
	return blob, nil
}

// Restore merges entries from a blob produced by Serialize. Entries that fail
// to parse are dropped. It returns the number of entries restored; only a
// blob that is not a JSON object is an error.
func (c *Cache) Restore(blob []byte) (int, error) {
	if c == nil || len(blob) == 0 {
		return 0, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		return 0, fmt.Errorf("restore cache: %w", err)
	}

	restored := 0
	for key, value := range raw {
		entry, ok := decodeEntry(value)
		if !ok || key == "" {
			continue
		}
		c.SetEntry(key, entry)
		restored++
	}
	return restored, nil
}

func decodeEntry(value json.RawMessage) (core.CacheEntry, bool) {
	var wire struct {
		Payload  json.RawMessage `json:"payload"`
		StoredAt *time.Time      `json:"stored_at"`
		TTL      time.Duration   `json:"ttl"`
	}
	if err := json.Unmarshal(value, &wire); err != nil {
		return core.CacheEntry{}, false
	}
	if wire.StoredAt == nil || wire.StoredAt.IsZero() || len(wire.Payload) == 0 {
		return core.CacheEntry{}, false
	}
	if !json.Valid(wire.Payload) {
		return core.CacheEntry{}, false
	}
	return core.CacheEntry{Payload: wire.Payload, StoredAt: wire.StoredAt.UTC(), TTL: max(wire.TTL, 0)}, true
}

// Persist writes the serialized cache to store under key.
func (c *Cache) Persist(ctx context.Context, store SnapshotStore, key string) error {
	if store == nil {
		return errors.New("snapshot store is not configured")
	}
	blob, err := c.Serialize()
	if err != nil {
		return err
	}
	return store.SaveCacheSnapshot(ctx, snapshotKey(key), blob)
}

// Load restores the snapshot stored under key. A missing snapshot restores nothing.
func (c *Cache) Load(ctx context.Context, store SnapshotStore, key string) (int, error) {
	if store == nil {
		return 0, errors.New("snapshot store is not configured")
	}
	blob, err := store.LoadCacheSnapshot(ctx, snapshotKey(key))
	if err != nil {
		return 0, err
	}
	return c.Restore(blob)
}

func snapshotKey(key string) string {
	if key == "" {
		return SnapshotKey
	}
	return key
}
