package offsets

import (
	"context"
	"sync"
)

// MemoryStore is an in-process offset store for tests and backtests.
type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[string]int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[string]int64)}
}

// GetOffset returns the consumer's last offset, or Unset.
func (s *MemoryStore) GetOffset(_ context.Context, consumerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if off, ok := s.offsets[consumerID]; ok {
		return off, nil
	}
	return Unset, nil
}

// SetOffset upserts the consumer's offset.
func (s *MemoryStore) SetOffset(_ context.Context, consumerID string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[consumerID] = offset
	return nil
}

// AllOffsets returns a copy of every consumer's offset.
func (s *MemoryStore) AllOffsets(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.offsets))
	for k, v := range s.offsets {
		out[k] = v
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
