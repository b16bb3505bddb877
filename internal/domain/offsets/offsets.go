// Package offsets defines durable consumer progress bookkeeping.
package offsets

import "context"

// Unset is the offset reported for consumers that have processed nothing.
const Unset int64 = -1

// Store persists per-consumer last-processed offsets. Set is an idempotent
// upsert; retries are safe and commutative.
type Store interface {
	GetOffset(ctx context.Context, consumerID string) (int64, error)
	SetOffset(ctx context.Context, consumerID string, offset int64) error
	AllOffsets(ctx context.Context) (map[string]int64, error)
}
