package runs

import (
	"context"
	"sync"

	"github.com/5TFG4/Weaver-sub000/errs"
)

// MemoryStore is an in-process run store used by backtests and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]Run
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Run)}
}

// Create stores a new run; duplicate ids conflict.
func (s *MemoryStore) Create(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[run.ID]; ok {
		return errs.New("runs/memory", errs.CodeValidation, errs.WithMessage("duplicate run id "+run.ID))
	}
	s.byID[run.ID] = run.Clone()
	return nil
}

// Get returns a copy of the run.
func (s *MemoryStore) Get(_ context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.byID[id]
	if !ok {
		return Run{}, ErrNotFound(id)
	}
	return run.Clone(), nil
}

// UpdateStatus applies a lifecycle transition.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.byID[id]
	if !ok {
		return ErrNotFound(id)
	}
	run.Status = update.Status
	if update.StartedAt != nil {
		t := *update.StartedAt
		run.StartedAt = &t
	}
	if update.StoppedAt != nil {
		t := *update.StoppedAt
		run.StoppedAt = &t
	}
	s.byID[id] = run
	return nil
}

// List returns copies of every run.
func (s *MemoryStore) List(_ context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0, len(s.byID))
	for _, run := range s.byID {
		out = append(out, run.Clone())
	}
	return out, nil
}

// ListByStatus returns copies of runs currently in the given status.
func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, run := range s.byID {
		if run.Status == status {
			out = append(out, run.Clone())
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
