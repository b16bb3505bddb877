package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// MemoryStore is an in-process outbox used by backtests and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append assigns the next dense offset and stores the record.
func (s *MemoryStore) Append(_ context.Context, env schema.Envelope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(env), nil
}

func (s *MemoryStore) appendLocked(env schema.Envelope) int64 {
	offset := int64(len(s.records))
	s.records = append(s.records, Record{
		Offset:    offset,
		Envelope:  env,
		CreatedAt: time.Now().UTC(),
	})
	return offset
}

type memoryTx struct {
	staged []schema.Envelope
	base   int64
}

func (tx *memoryTx) Append(_ context.Context, env schema.Envelope) (int64, error) {
	offset := tx.base + int64(len(tx.staged))
	tx.staged = append(tx.staged, env)
	return offset, nil
}

// WithTransaction stages appends and commits them atomically. The store lock
// is held for the duration of fn, so staged offsets are the final ones.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Appender) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{base: int64(len(s.records))}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, env := range tx.staged {
		s.appendLocked(env)
	}
	return nil
}

// ReadFrom returns records with offset > offset, ascending, up to limit.
func (s *MemoryStore) ReadFrom(_ context.Context, offset int64, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := offset + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(s.records)) {
		return nil, nil
	}
	end := int64(len(s.records))
	if limit > 0 && start+int64(limit) < end {
		end = start + int64(limit)
	}
	return append([]Record(nil), s.records[start:end]...), nil
}

// LatestOffset returns the highest committed offset, or -1 when empty.
func (s *MemoryStore) LatestOffset(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)) - 1, nil
}

var _ Store = (*MemoryStore)(nil)
