package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// NotifyChannel carries the offset of each committed append so tailing
// consumers can wake without polling.
const NotifyChannel = "weaver_event_log"

// appendLockKey serializes offset assignment across all writers. Dense
// offsets cannot come from a sequence because rollbacks leave gaps.
const appendLockKey = 0x5745_4156 // "WEAV"

// OutboxStore is the durable append-only event log.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	outboxAppendSQL = `
INSERT INTO event_log (log_offset, envelope, created_at)
SELECT COALESCE(MAX(log_offset) + 1, 0), $1::jsonb, NOW()
FROM event_log
RETURNING log_offset;
`

	outboxReadFromSQL = `
SELECT log_offset, envelope, created_at
FROM event_log
WHERE log_offset > $1
ORDER BY log_offset ASC
LIMIT $2;
`

	outboxLatestSQL = `
SELECT COALESCE(MAX(log_offset), -1) FROM event_log;
`

	outboxPruneSQL = `
DELETE FROM event_log
WHERE created_at < $1;
`
)

// Append commits one envelope inside its own transaction and returns the
// assigned offset. The advisory lock keeps offsets dense and gap-free.
func (s *OutboxStore) Append(ctx context.Context, env schema.Envelope) (int64, error) {
	var offset int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		offset, err = appendTx(ctx, tx, env)
		return err
	})
	if err != nil {
		return 0, err
	}
	return offset, nil
}

// WithTransaction runs fn inside one transaction holding the append lock, so
// every append through the given Appender commits atomically with fn.
func (s *OutboxStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx outbox.Appender) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
			return fmt.Errorf("event log: acquire append lock: %w", err)
		}
		return fn(ctx, txAppender{tx: tx})
	})
}

type txAppender struct {
	tx pgx.Tx
}

func (a txAppender) Append(ctx context.Context, env schema.Envelope) (int64, error) {
	return appendTx(ctx, a.tx, env)
}

func appendTx(ctx context.Context, tx pgx.Tx, env schema.Envelope) (int64, error) {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return 0, fmt.Errorf("event log: acquire append lock: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, errs.New("outbox/postgres", errs.CodeValidation,
			errs.WithMessage("encode envelope"), errs.WithCause(err))
	}
	var offset int64
	if err := tx.QueryRow(ctx, outboxAppendSQL, raw).Scan(&offset); err != nil {
		return 0, errs.New("outbox/postgres", errs.CodeStorage,
			errs.WithMessage("append"), errs.WithCause(err))
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, strconv.FormatInt(offset, 10)); err != nil {
		return 0, fmt.Errorf("event log: notify: %w", err)
	}
	return offset, nil
}

// ReadFrom returns records with offset strictly greater than offset,
// ascending, up to limit.
func (s *OutboxStore) ReadFrom(ctx context.Context, offset int64, limit int) ([]outbox.Record, error) {
	if limit <= 0 {
		limit = 128
	}
	rows, err := s.pool.Query(ctx, outboxReadFromSQL, offset, limit)
	if err != nil {
		return nil, errs.New("outbox/postgres", errs.CodeStorage,
			errs.WithMessage("read"), errs.WithCause(err))
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var (
			rec outbox.Record
			raw []byte
		)
		if err := rows.Scan(&rec.Offset, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("event log: scan record: %w", err)
		}
		if err := json.Unmarshal(raw, &rec.Envelope); err != nil {
			return nil, fmt.Errorf("event log: decode envelope at offset %d: %w", rec.Offset, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event log: iterate records: %w", err)
	}
	return records, nil
}

// LatestOffset returns the highest committed offset, or -1 when empty.
func (s *OutboxStore) LatestOffset(ctx context.Context) (int64, error) {
	var offset int64
	if err := s.pool.QueryRow(ctx, outboxLatestSQL).Scan(&offset); err != nil {
		return 0, errs.New("outbox/postgres", errs.CodeStorage,
			errs.WithMessage("latest offset"), errs.WithCause(err))
	}
	return offset, nil
}

// PruneBefore removes records created before the retention horizon and
// returns the number deleted. Offsets already handed out stay dense because
// pruning only trims the tail of history, never the head of assignment.
func (s *OutboxStore) PruneBefore(ctx context.Context, horizon time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, outboxPruneSQL, horizon)
	if err != nil {
		return 0, errs.New("outbox/postgres", errs.CodeStorage,
			errs.WithMessage("prune"), errs.WithCause(err))
	}
	return tag.RowsAffected(), nil
}

var (
	_ outbox.Store  = (*OutboxStore)(nil)
	_ outbox.Pruner = (*OutboxStore)(nil)
)
