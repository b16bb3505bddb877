package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/5TFG4/Weaver-sub000/errs"
)

// MemoryStore is an in-process order store used by backtests and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]State
	byClient map[string]string // runID|clientOrderID -> order id
	fills    map[string][]Fill
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]State),
		byClient: make(map[string]string),
		fills:    make(map[string][]Fill),
	}
}

func clientKey(runID, clientOrderID string) string {
	return runID + "|" + clientOrderID
}

// Create stores a new order state; the client order id must be unused in the run.
func (s *MemoryStore) Create(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clientKey(state.RunID, state.ClientOrderID)
	if _, ok := s.byClient[key]; ok {
		return errs.New("orders/memory", errs.CodeIdempotencyReplay,
			errs.WithMessage("order exists for "+state.RunID+"/"+state.ClientOrderID))
	}
	s.byID[state.ID] = state
	s.byClient[key] = state.ID
	return nil
}

// Update replaces the stored state.
func (s *MemoryStore) Update(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[state.ID]; !ok {
		return ErrNotFound(state.ID)
	}
	s.byID[state.ID] = state
	return nil
}

// Get returns the state by internal id.
func (s *MemoryStore) Get(_ context.Context, id string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.byID[id]
	if !ok {
		return State{}, ErrNotFound(id)
	}
	return state, nil
}

// GetByClientOrderID returns the state by idempotency key.
func (s *MemoryStore) GetByClientOrderID(_ context.Context, runID, clientOrderID string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byClient[clientKey(runID, clientOrderID)]
	if !ok {
		return State{}, ErrNotFound(clientOrderID)
	}
	return s.byID[id], nil
}

// ListByRun returns the run's orders ordered by creation time.
func (s *MemoryStore) ListByRun(_ context.Context, runID string) ([]State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []State
	for _, state := range s.byID {
		if state.RunID == runID {
			out = append(out, state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecordFill appends a fill to its order's log.
func (s *MemoryStore) RecordFill(_ context.Context, fill Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[fill.OrderID]; !ok {
		return ErrNotFound(fill.OrderID)
	}
	s.fills[fill.OrderID] = append(s.fills[fill.OrderID], fill)
	return nil
}

// ListFills returns the fills recorded for an order, in append order.
func (s *MemoryStore) ListFills(_ context.Context, orderID string) ([]Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Fill(nil), s.fills[orderID]...), nil
}

var _ Store = (*MemoryStore)(nil)
