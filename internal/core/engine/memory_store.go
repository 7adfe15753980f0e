package engine

import (
	"context"
	"sync"

	"github.com/cryptowealth/datahub/internal/core"
)

// MemoryRateStore keeps rate windows in process memory.
type MemoryRateStore struct {
	mu    sync.RWMutex
	state map[string]*core.RateLimitState
}

// NewMemoryRateStore returns an empty in-memory store.
func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{state: make(map[string]*core.RateLimitState)}
}

// GetRateLimit returns a copy of the stored state, or nil when absent.
func (m *MemoryRateStore) GetRateLimit(ctx context.Context, upstream string) (*core.RateLimitState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[upstream].Clone(), nil
}

// UpdateRateLimit replaces the stored state.
func (m *MemoryRateStore) UpdateRateLimit(ctx context.Context, upstream string, state *core.RateLimitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		m.state = make(map[string]*core.RateLimitState)
	}
	m.state[upstream] = state.Clone()
	return nil
}
