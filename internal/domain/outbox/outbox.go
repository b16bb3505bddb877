// Package outbox defines persistence contracts for the append-only event log.
package outbox

import (
	"context"
	"time"

	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// Record is the persisted form of an appended envelope. Offsets are dense,
// strictly monotonic, and assigned at append time under the write.
type Record struct {
	Offset    int64
	Envelope  schema.Envelope
	CreatedAt time.Time
}

// Appender appends one envelope and returns its assigned offset.
type Appender interface {
	Append(ctx context.Context, env schema.Envelope) (int64, error)
}

// Store is the durable outbox. LatestOffset reports -1 when empty.
type Store interface {
	Appender
	// WithTransaction runs fn inside one transaction; appends made through
	// the provided Appender commit or roll back atomically with it.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Appender) error) error
	// ReadFrom returns records with offset strictly greater than offset,
	// ascending, up to limit. Never blocks waiting for new records.
	ReadFrom(ctx context.Context, offset int64, limit int) ([]Record, error)
	LatestOffset(ctx context.Context) (int64, error)
}

// Pruner removes records older than the retention horizon. Durable stores
// implement it; the memory store keeps everything for the life of the run.
type Pruner interface {
	PruneBefore(ctx context.Context, horizon time.Time) (int64, error)
}
