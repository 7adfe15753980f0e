package cache

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl)
	c.Clock = clock.Now
	return c, clock
}

func TestCacheTTLBoundary(t *testing.T) {
	c, clock := newTestCache(time.Minute)

	c.Set("markets_usd", json.RawMessage(`[1,2,3]`))
	payload, ok := c.Get("markets_usd")
	require.True(t, ok)
	require.JSONEq(t, `[1,2,3]`, string(payload))

	clock.Advance(time.Minute)
	_, ok = c.Get("markets_usd")
	require.True(t, ok, "entry is valid at exactly ttl")

	clock.Advance(time.Millisecond)
	_, ok = c.Get("markets_usd")
	require.False(t, ok)
	require.Equal(t, 0, c.Len(), "expired entry is evicted on read")
}

func TestCacheSetOverwrites(t *testing.T) {
	c, clock := newTestCache(time.Minute)

	c.Set("k", json.RawMessage(`1`))
	clock.Advance(50 * time.Second)
	c.Set("k", json.RawMessage(`2`))
	clock.Advance(50 * time.Second)

	payload, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "2", string(payload))
}

func TestCacheClear(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("a", json.RawMessage(`1`))
	c.Set("b", json.RawMessage(`2`))

	require.True(t, c.Delete("a"))
	require.False(t, c.Delete("a"))
	_, ok := c.Get("a")
	require.False(t, ok)

	require.Equal(t, 1, c.Clear())
	require.Equal(t, 0, c.Len())
}

func TestCacheIsStale(t *testing.T) {
	c, clock := newTestCache(time.Minute)

	require.True(t, c.IsStale("missing", time.Hour))

	c.Set("k", json.RawMessage(`1`))
	clock.Advance(10 * time.Second)
	require.False(t, c.IsStale("k", 30*time.Second))
	require.True(t, c.IsStale("k", 5*time.Second))

	clock.Advance(2 * time.Minute)
	entry, ok := c.Peek("k")
	require.True(t, ok, "peek returns expired entries")
	require.Equal(t, "1", string(entry.Payload))
	require.False(t, c.IsStale("k", time.Hour))
}

func TestCacheGetWithin(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	c.Set("k", json.RawMessage(`1`))
	clock.Advance(20 * time.Second)

	_, ok := c.GetWithin("k", 10*time.Second)
	require.False(t, ok)
	_, ok = c.GetWithin("k", 30*time.Second)
	require.True(t, ok)
	require.Equal(t, 1, c.Len())
}

func TestCacheSetCopiesPayload(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	buf := json.RawMessage(`{"a":1}`)
	c.Set("k", buf)
	buf[2] = 'b'

	payload, ok := c.Get("k")
	require.True(t, ok)
	require.JSONEq(t, `{"a":1}`, string(payload))
}

func TestCacheEntries(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	c.Set("b", json.RawMessage(`22`))
	clock.Advance(2 * time.Minute)
	c.Set("a", json.RawMessage(`1`))

	entries := c.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Key)
	require.False(t, entries[0].Expired)
	require.Equal(t, "b", entries[1].Key)
	require.True(t, entries[1].Expired)
	require.Equal(t, 2, entries[1].Bytes)
}

func TestCacheEntryTTLOverridesDefault(t *testing.T) {
	c, clock := newTestCache(5 * time.Minute)
	c.SetWithTTL("staking_ethereum", json.RawMessage(`{"apy":4}`), 15*time.Minute)
	c.Set("global", json.RawMessage(`{}`))
	clock.Advance(6 * time.Minute)

	_, ok := c.Get("global")
	require.False(t, ok)
	_, ok = c.Get("staking_ethereum")
	require.True(t, ok, "entry TTL outlives the default")
	_, ok = c.Fresh("staking_ethereum", 0)
	require.True(t, ok)

	entries := c.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "staking_ethereum", entries[0].Key)
	require.False(t, entries[0].Expired)
	require.Equal(t, entries[0].StoredAt.Add(15*time.Minute), entries[0].ExpiresAt)

	clock.Advance(10 * time.Minute)
	require.True(t, c.Entries()[0].Expired)
	_, ok = c.Get("staking_ethereum")
	require.False(t, ok)
}

func TestNilCacheIsInert(t *testing.T) {
	var c *Cache
	c.Set("k", json.RawMessage(`1`))
	_, ok := c.Get("k")
	require.False(t, ok)
	require.True(t, c.IsStale("k", time.Hour))
	require.Equal(t, 0, c.Clear())
}

func TestCacheFreshDoesNotEvict(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	c.Set("k", json.RawMessage(`1`))
	clock.Advance(2 * time.Minute)

	_, ok := c.Fresh("k", 0)
	require.False(t, ok)
	require.Equal(t, 1, c.Len())

	entry, ok := c.Fresh("k", 5*time.Minute)
	require.True(t, ok)
	require.Equal(t, "1", string(entry.Payload))
}

func TestCachePrune(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	c.Set("old", json.RawMessage(`1`))
	clock.Advance(10 * time.Minute)
	c.Set("new", json.RawMessage(`2`))

	require.Equal(t, 1, c.Prune(5*time.Minute))
	require.Equal(t, 1, c.Len())
	require.Zero(t, c.Prune(0))
}
