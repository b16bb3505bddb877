package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
)

// RunStore persists the run registry.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore constructs a RunStore backed by the provided pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const (
	runInsertSQL = `
INSERT INTO runs (
    id, strategy_id, mode, symbols, timeframe, config,
    start_at, end_at, status, created_at, started_at, stopped_at
)
VALUES (
    @id, @strategy_id, @mode, @symbols, @timeframe, COALESCE(@config::jsonb, 'null'::jsonb),
    @start_at, @end_at, @status, @created_at, NULL, NULL
);
`

	runSelectSQL = `
SELECT id, strategy_id, mode, symbols, timeframe, config,
       start_at, end_at, status, created_at, started_at, stopped_at
FROM runs
`

	runUpdateStatusSQL = `
UPDATE runs
SET status = $2,
    started_at = COALESCE($3, started_at),
    stopped_at = COALESCE($4, stopped_at)
WHERE id = $1;
`
)

// Create stores a new run; duplicate ids conflict.
func (s *RunStore) Create(ctx context.Context, run runs.Run) error {
	var config any
	if len(run.Config) > 0 {
		config = []byte(run.Config)
	}
	args := pgx.NamedArgs{
		"id":          run.ID,
		"strategy_id": run.StrategyID,
		"mode":        string(run.Mode),
		"symbols":     run.Symbols,
		"timeframe":   run.Timeframe,
		"config":      config,
		"start_at":    run.Start,
		"end_at":      run.End,
		"status":      string(run.Status),
		"created_at":  run.CreatedAt.UTC(),
	}
	if _, err := s.pool.Exec(ctx, runInsertSQL, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.New("runs/postgres", errs.CodeValidation,
				errs.WithMessage("duplicate run id "+run.ID))
		}
		return errs.New("runs/postgres", errs.CodeStorage,
			errs.WithMessage("create run"), errs.WithCause(err))
	}
	return nil
}

// Get returns one run by id.
func (s *RunStore) Get(ctx context.Context, id string) (runs.Run, error) {
	row := s.pool.QueryRow(ctx, runSelectSQL+"WHERE id = $1;", id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return runs.Run{}, runs.ErrNotFound(id)
	}
	if err != nil {
		return runs.Run{}, errs.New("runs/postgres", errs.CodeStorage,
			errs.WithMessage("get run"), errs.WithCause(err))
	}
	return run, nil
}

// UpdateStatus applies a lifecycle transition.
func (s *RunStore) UpdateStatus(ctx context.Context, id string, update runs.StatusUpdate) error {
	tag, err := s.pool.Exec(ctx, runUpdateStatusSQL, id, string(update.Status), update.StartedAt, update.StoppedAt)
	if err != nil {
		return errs.New("runs/postgres", errs.CodeStorage,
			errs.WithMessage("update status"), errs.WithCause(err))
	}
	if tag.RowsAffected() == 0 {
		return runs.ErrNotFound(id)
	}
	return nil
}

// List returns every run.
func (s *RunStore) List(ctx context.Context) ([]runs.Run, error) {
	return s.list(ctx, runSelectSQL+"ORDER BY created_at ASC;")
}

// ListByStatus returns runs currently in the given status.
func (s *RunStore) ListByStatus(ctx context.Context, status runs.Status) ([]runs.Run, error) {
	return s.list(ctx, runSelectSQL+"WHERE status = $1 ORDER BY created_at ASC;", string(status))
}

func (s *RunStore) list(ctx context.Context, sql string, args ...any) ([]runs.Run, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errs.New("runs/postgres", errs.CodeStorage,
			errs.WithMessage("list runs"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []runs.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runs: scan row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runs: iterate rows: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (runs.Run, error) {
	var (
		run        runs.Run
		mode       string
		status     string
		configJSON []byte
		startAt    pgtype.Timestamptz
		endAt      pgtype.Timestamptz
		startedAt  pgtype.Timestamptz
		stoppedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&run.ID, &run.StrategyID, &mode, &run.Symbols, &run.Timeframe, &configJSON,
		&startAt, &endAt, &status, &run.CreatedAt, &startedAt, &stoppedAt); err != nil {
		return runs.Run{}, err
	}
	run.Mode = runs.Mode(mode)
	run.Status = runs.Status(status)
	if len(configJSON) > 0 && string(configJSON) != "null" {
		run.Config = json.RawMessage(configJSON)
	}
	if startAt.Valid {
		t := startAt.Time.UTC()
		run.Start = &t
	}
	if endAt.Valid {
		t := endAt.Time.UTC()
		run.End = &t
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		run.StartedAt = &t
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time.UTC()
		run.StoppedAt = &t
	}
	return run, nil
}

var _ runs.Store = (*RunStore)(nil)
