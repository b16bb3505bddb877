package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/offsets"
)

// OffsetStore persists per-consumer checkpoint offsets.
type OffsetStore struct {
	pool *pgxpool.Pool
}

// NewOffsetStore constructs an OffsetStore backed by the provided pool.
func NewOffsetStore(pool *pgxpool.Pool) *OffsetStore {
	return &OffsetStore{pool: pool}
}

const (
	offsetGetSQL = `
SELECT last_offset FROM consumer_offsets WHERE consumer_id = $1;
`

	offsetSetSQL = `
INSERT INTO consumer_offsets (consumer_id, last_offset, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (consumer_id) DO UPDATE SET
    last_offset = EXCLUDED.last_offset,
    updated_at = NOW();
`

	offsetAllSQL = `
SELECT consumer_id, last_offset FROM consumer_offsets;
`
)

// GetOffset returns the consumer's checkpoint, or offsets.Unset when the
// consumer has never committed.
func (s *OffsetStore) GetOffset(ctx context.Context, consumerID string) (int64, error) {
	var offset int64
	err := s.pool.QueryRow(ctx, offsetGetSQL, consumerID).Scan(&offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return offsets.Unset, nil
	}
	if err != nil {
		return 0, errs.New("offsets/postgres", errs.CodeStorage,
			errs.WithMessage("get offset"), errs.WithCause(err))
	}
	return offset, nil
}

// SetOffset upserts the consumer's checkpoint. Retries are idempotent.
func (s *OffsetStore) SetOffset(ctx context.Context, consumerID string, offset int64) error {
	if _, err := s.pool.Exec(ctx, offsetSetSQL, consumerID, offset); err != nil {
		return errs.New("offsets/postgres", errs.CodeStorage,
			errs.WithMessage("set offset"), errs.WithCause(err))
	}
	return nil
}

// AllOffsets lists every consumer's checkpoint.
func (s *OffsetStore) AllOffsets(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, offsetAllSQL)
	if err != nil {
		return nil, errs.New("offsets/postgres", errs.CodeStorage,
			errs.WithMessage("list offsets"), errs.WithCause(err))
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id     string
			offset int64
		)
		if err := rows.Scan(&id, &offset); err != nil {
			return nil, fmt.Errorf("consumer offsets: scan row: %w", err)
		}
		out[id] = offset
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consumer offsets: iterate rows: %w", err)
	}
	return out, nil
}

var _ offsets.Store = (*OffsetStore)(nil)
