package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
)

// BarStore persists OHLCV bars keyed by (symbol, timeframe, timestamp).
type BarStore struct {
	pool *pgxpool.Pool
}

// NewBarStore constructs a BarStore backed by the provided pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

const (
	barInsertSQL = `
INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume)
VALUES (@symbol, @timeframe, @ts, @open, @high, @low, @close, @volume)
ON CONFLICT (symbol, timeframe, ts) DO NOTHING;
`

	barRangeSQL = `
SELECT symbol, timeframe, ts, open, high, low, close, volume
FROM bars
WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4
ORDER BY ts ASC;
`

	barLatestSQL = `
SELECT symbol, timeframe, ts, open, high, low, close, volume
FROM (
    SELECT symbol, timeframe, ts, open, high, low, close, volume
    FROM bars
    WHERE symbol = $1 AND timeframe = $2 AND ($3::timestamptz IS NULL OR ts <= $3)
    ORDER BY ts DESC
    LIMIT $4
) window_rows
ORDER BY ts ASC;
`
)

// Upsert writes bars inside one transaction, skipping rows whose key already
// exists. Returns the number of rows actually written.
func (s *BarStore) Upsert(ctx context.Context, items []bars.Bar) (int, error) {
	written := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, bar := range items {
			args, err := barArgs(bar)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, barInsertSQL, args)
			if err != nil {
				return errs.New("bars/postgres", errs.CodeStorage,
					errs.WithMessage("insert bar"), errs.WithCause(err))
			}
			written += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func barArgs(bar bars.Bar) (pgx.NamedArgs, error) {
	open, err := numericFromDecimal(bar.Open)
	if err != nil {
		return nil, err
	}
	high, err := numericFromDecimal(bar.High)
	if err != nil {
		return nil, err
	}
	low, err := numericFromDecimal(bar.Low)
	if err != nil {
		return nil, err
	}
	closePx, err := numericFromDecimal(bar.Close)
	if err != nil {
		return nil, err
	}
	volume, err := numericFromDecimal(bar.Volume)
	if err != nil {
		return nil, err
	}
	return pgx.NamedArgs{
		"symbol":    bar.Symbol,
		"timeframe": bar.Timeframe,
		"ts":        bar.Timestamp.UTC(),
		"open":      open,
		"high":      high,
		"low":       low,
		"close":     closePx,
		"volume":    volume,
	}, nil
}

// Range returns bars with start <= ts <= end, ascending.
func (s *BarStore) Range(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]bars.Bar, error) {
	rows, err := s.pool.Query(ctx, barRangeSQL, symbol, timeframe, start.UTC(), end.UTC())
	if err != nil {
		return nil, errs.New("bars/postgres", errs.CodeStorage,
			errs.WithMessage("range"), errs.WithCause(err))
	}
	defer rows.Close()
	return scanBars(rows)
}

// Latest returns up to n bars with ts <= asOf, ascending. A zero asOf means
// no upper bound.
func (s *BarStore) Latest(ctx context.Context, symbol, timeframe string, n int, asOf time.Time) ([]bars.Bar, error) {
	var upper *time.Time
	if !asOf.IsZero() {
		t := asOf.UTC()
		upper = &t
	}
	rows, err := s.pool.Query(ctx, barLatestSQL, symbol, timeframe, upper, n)
	if err != nil {
		return nil, errs.New("bars/postgres", errs.CodeStorage,
			errs.WithMessage("latest"), errs.WithCause(err))
	}
	defer rows.Close()
	return scanBars(rows)
}

func scanBars(rows pgx.Rows) ([]bars.Bar, error) {
	var out []bars.Bar
	for rows.Next() {
		var (
			bar                           bars.Bar
			open, high, low, closePx, vol pgtype.Numeric
		)
		if err := rows.Scan(&bar.Symbol, &bar.Timeframe, &bar.Timestamp,
			&open, &high, &low, &closePx, &vol); err != nil {
			return nil, fmt.Errorf("bars: scan row: %w", err)
		}
		var err error
		if bar.Open, err = decimalFromNumeric(open); err != nil {
			return nil, err
		}
		if bar.High, err = decimalFromNumeric(high); err != nil {
			return nil, err
		}
		if bar.Low, err = decimalFromNumeric(low); err != nil {
			return nil, err
		}
		if bar.Close, err = decimalFromNumeric(closePx); err != nil {
			return nil, err
		}
		if bar.Volume, err = decimalFromNumeric(vol); err != nil {
			return nil, err
		}
		out = append(out, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bars: iterate rows: %w", err)
	}
	return out, nil
}

var _ bars.Store = (*BarStore)(nil)
