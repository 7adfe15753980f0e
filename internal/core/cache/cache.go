// Package cache holds upstream payloads in memory with a time-to-live.
package cache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cryptowealth/datahub/internal/core"
)

// DefaultTTL matches the upstream refresh cadence of the collector.
const DefaultTTL = 5 * time.Minute

// Cache stores the last successful payload per key. An entry is valid while
// now - StoredAt <= TTL, where an entry stored with its own TTL uses that
// instead. Expired entries are evicted lazily by Get.
type Cache struct {
	TTL   time.Duration
	Clock func() time.Time

	mu      sync.RWMutex
	entries map[string]core.CacheEntry
}

// New returns an empty cache. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{TTL: ttl, entries: make(map[string]core.CacheEntry)}
}

// Get returns the payload for key if it is still within the TTL.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	return c.GetWithin(key, c.ttl())
}

// GetWithin returns the payload for key if it is no older than maxAge. Entries
// past their TTL are evicted.
func (c *Cache) GetWithin(key string, maxAge time.Duration) (json.RawMessage, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	age := c.now().Sub(entry.StoredAt)
	if age > c.entryTTL(entry) {
		delete(c.entries, key)
		return nil, false
	}
	if age > maxAge {
		return nil, false
	}
	return entry.Payload, true
}

// Fresh returns the entry for key if it is no older than maxAge (the entry's
// TTL when maxAge is not positive). Unlike Get it never evicts, so the entry
// stays available to stale fallbacks.
func (c *Cache) Fresh(key string, maxAge time.Duration) (core.CacheEntry, bool) {
	if c == nil {
		return core.CacheEntry{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return core.CacheEntry{}, false
	}
	if maxAge <= 0 {
		maxAge = c.entryTTL(entry)
	}
	if c.now().Sub(entry.StoredAt) > maxAge {
		return core.CacheEntry{}, false
	}
	return entry, true
}

// Prune drops entries older than maxAge and returns how many were removed.
func (c *Cache) Prune(maxAge time.Duration) int {
	if c == nil || maxAge <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.StoredAt) > maxAge {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Peek returns the entry for key regardless of age. Callers serving stale
// data deliberately check IsStale first.
func (c *Cache) Peek(key string) (core.CacheEntry, bool) {
	if c == nil {
		return core.CacheEntry{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	return entry, ok
}

// Set overwrites the entry for key, stamping it with the current time.
func (c *Cache) Set(key string, payload json.RawMessage) {
	c.SetWithTTL(key, payload, 0)
}

// SetWithTTL is Set for an entry that expires after ttl rather than the
// cache default. A non-positive ttl keeps the default.
func (c *Cache) SetWithTTL(key string, payload json.RawMessage, ttl time.Duration) {
	if c == nil {
		return
	}

	stored := make(json.RawMessage, len(payload))
	copy(stored, payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensure()
	c.entries[key] = core.CacheEntry{Payload: stored, StoredAt: c.now(), TTL: max(ttl, 0)}
}

// SetEntry stores an entry with its original timestamp.
func (c *Cache) SetEntry(key string, entry core.CacheEntry) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensure()
	c.entries[key] = entry
}

// Delete removes one entry and reports whether it existed.
func (c *Cache) Delete(key string) bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear removes every entry and returns how many were dropped.
func (c *Cache) Clear() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]core.CacheEntry)
	return n
}

// IsStale reports whether key is absent or older than maxAge, independent of the TTL.
func (c *Cache) IsStale(key string, maxAge time.Duration) bool {
	entry, ok := c.Peek(key)
	if !ok {
		return true
	}
	return c.now().Sub(entry.StoredAt) > maxAge
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Info describes one entry for listings.
type Info struct {
	Key       string    `json:"key"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Expired   bool      `json:"expired"`
	Bytes     int       `json:"bytes"`
}

// Entries lists entry metadata sorted by key.
func (c *Cache) Entries() []Info {
	if c == nil {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make([]Info, 0, len(c.entries))
	for key, entry := range c.entries {
		expires := entry.StoredAt.Add(c.entryTTL(entry))
		out = append(out, Info{
			Key:       key,
			StoredAt:  entry.StoredAt,
			ExpiresAt: expires,
			Expired:   now.After(expires),
			Bytes:     len(entry.Payload),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c *Cache) ensure() {
	if c.entries == nil {
		c.entries = make(map[string]core.CacheEntry)
	}
}

func (c *Cache) ttl() time.Duration {
	if c == nil || c.TTL <= 0 {
		return DefaultTTL
	}
	return c.TTL
}

func (c *Cache) entryTTL(entry core.CacheEntry) time.Duration {
	if entry.TTL > 0 {
		return entry.TTL
	}
	return c.ttl()
}

func (c *Cache) now() time.Time {
	if c != nil && c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}
