package bars

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps bars in memory, sorted per (symbol, timeframe).
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string][]Bar
	seen   map[string]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[string][]Bar),
		seen:   make(map[string]struct{}),
	}
}

func seriesKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

func barKey(b Bar) string {
	return b.Symbol + "|" + b.Timeframe + "|" + b.Timestamp.UTC().Format(time.RFC3339Nano)
}

// Upsert inserts bars, skipping duplicates by (symbol, timeframe, timestamp).
func (s *MemoryStore) Upsert(_ context.Context, batch []Bar) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	touched := make(map[string]struct{})
	for _, bar := range batch {
		key := barKey(bar)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		sk := seriesKey(bar.Symbol, bar.Timeframe)
		s.series[sk] = append(s.series[sk], bar)
		touched[sk] = struct{}{}
		written++
	}
	for sk := range touched {
		series := s.series[sk]
		sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
	}
	return written, nil
}

// Range returns bars with start <= ts <= end, ascending.
func (s *MemoryStore) Range(_ context.Context, symbol, timeframe string, start, end time.Time) ([]Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Bar
	for _, bar := range s.series[seriesKey(symbol, timeframe)] {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// Latest returns up to n bars with ts <= asOf, ascending.
func (s *MemoryStore) Latest(_ context.Context, symbol, timeframe string, n int, asOf time.Time) ([]Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.series[seriesKey(symbol, timeframe)]
	var eligible []Bar
	for _, bar := range series {
		if !asOf.IsZero() && bar.Timestamp.After(asOf) {
			continue
		}
		eligible = append(eligible, bar)
	}
	if n > 0 && len(eligible) > n {
		eligible = eligible[len(eligible)-n:]
	}
	return append([]Bar(nil), eligible...), nil
}

var _ Store = (*MemoryStore)(nil)
