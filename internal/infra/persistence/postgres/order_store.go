package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
)

// OrderStore persists authoritative order state and fills.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id, run_id, client_order_id, exchange_order_id, symbol, side, order_type,
    qty, limit_price, stop_price, time_in_force, status,
    filled_qty, filled_avg_price, created_at, submitted_at, filled_at,
    cancelled_at, error_code, reject_reason
)
VALUES (
    @id, @run_id, @client_order_id, @exchange_order_id, @symbol, @side, @order_type,
    @qty, @limit_price, @stop_price, @time_in_force, @status,
    @filled_qty, @filled_avg_price, @created_at, @submitted_at, @filled_at,
    @cancelled_at, @error_code, @reject_reason
);
`

	orderUpdateSQL = `
UPDATE orders
SET exchange_order_id = @exchange_order_id,
    status = @status,
    filled_qty = @filled_qty,
    filled_avg_price = @filled_avg_price,
    submitted_at = @submitted_at,
    filled_at = @filled_at,
    cancelled_at = @cancelled_at,
    error_code = @error_code,
    reject_reason = @reject_reason,
    updated_at = NOW()
WHERE id = @id;
`

	orderSelectSQL = `
SELECT id, run_id, client_order_id, exchange_order_id, symbol, side, order_type,
       qty, limit_price, stop_price, time_in_force, status,
       filled_qty, filled_avg_price, created_at, submitted_at, filled_at,
       cancelled_at, error_code, reject_reason
FROM orders
`

	fillInsertSQL = `
INSERT INTO fills (id, order_id, qty, price, commission, traded_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING;
`

	fillListSQL = `
SELECT id, order_id, qty, price, commission, traded_at
FROM fills
WHERE order_id = $1
ORDER BY traded_at ASC, id ASC;
`
)

// Create stores a new order. A duplicate (run, client order id) conflicts,
// which is what makes placement idempotent across the durable store.
func (s *OrderStore) Create(ctx context.Context, state orders.State) error {
	args, err := orderArgs(state)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, orderInsertSQL, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.New("orders/postgres", errs.CodeIdempotencyReplay,
				errs.WithMessage("order exists for "+state.RunID+"/"+state.ClientOrderID))
		}
		return errs.New("orders/postgres", errs.CodeStorage,
			errs.WithMessage("create order"), errs.WithCause(err))
	}
	return nil
}

// Update rewrites the mutable portion of the order row.
func (s *OrderStore) Update(ctx context.Context, state orders.State) error {
	args, err := orderArgs(state)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, orderUpdateSQL, args)
	if err != nil {
		return errs.New("orders/postgres", errs.CodeStorage,
			errs.WithMessage("update order"), errs.WithCause(err))
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrNotFound(state.ID)
	}
	return nil
}

// Get returns one order by id.
func (s *OrderStore) Get(ctx context.Context, id string) (orders.State, error) {
	row := s.pool.QueryRow(ctx, orderSelectSQL+"WHERE id = $1;", id)
	state, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.State{}, orders.ErrNotFound(id)
	}
	if err != nil {
		return orders.State{}, errs.New("orders/postgres", errs.CodeStorage,
			errs.WithMessage("get order"), errs.WithCause(err))
	}
	return state, nil
}

// GetByClientOrderID returns the order for the idempotency key.
func (s *OrderStore) GetByClientOrderID(ctx context.Context, runID, clientOrderID string) (orders.State, error) {
	row := s.pool.QueryRow(ctx, orderSelectSQL+"WHERE run_id = $1 AND client_order_id = $2;", runID, clientOrderID)
	state, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.State{}, orders.ErrNotFound(runID + "/" + clientOrderID)
	}
	if err != nil {
		return orders.State{}, errs.New("orders/postgres", errs.CodeStorage,
			errs.WithMessage("get order"), errs.WithCause(err))
	}
	return state, nil
}

// ListByRun returns every order placed within the run.
func (s *OrderStore) ListByRun(ctx context.Context, runID string) ([]orders.State, error) {
	rows, err := s.pool.Query(ctx, orderSelectSQL+"WHERE run_id = $1 ORDER BY created_at ASC, id ASC;", runID)
	if err != nil {
		return nil, errs.New("orders/postgres", errs.CodeStorage,
			errs.WithMessage("list orders"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []orders.State
	for rows.Next() {
		state, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("orders: scan row: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orders: iterate rows: %w", err)
	}
	return out, nil
}

// RecordFill stores one execution slice. Replays by fill id are skipped.
func (s *OrderStore) RecordFill(ctx context.Context, fill orders.Fill) error {
	qty, err := numericFromDecimal(fill.Qty)
	if err != nil {
		return err
	}
	price, err := numericFromDecimal(fill.Price)
	if err != nil {
		return err
	}
	commission, err := numericFromDecimal(fill.Commission)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, fillInsertSQL, fill.ID, fill.OrderID, qty, price, commission, fill.Timestamp.UTC()); err != nil {
		return errs.New("orders/postgres", errs.CodeStorage,
			errs.WithMessage("record fill"), errs.WithCause(err))
	}
	return nil
}

// ListFills returns the order's fills ordered by execution time.
func (s *OrderStore) ListFills(ctx context.Context, orderID string) ([]orders.Fill, error) {
	rows, err := s.pool.Query(ctx, fillListSQL, orderID)
	if err != nil {
		return nil, errs.New("orders/postgres", errs.CodeStorage,
			errs.WithMessage("list fills"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []orders.Fill
	for rows.Next() {
		var (
			fill                   orders.Fill
			qty, price, commission pgtype.Numeric
		)
		if err := rows.Scan(&fill.ID, &fill.OrderID, &qty, &price, &commission, &fill.Timestamp); err != nil {
			return nil, fmt.Errorf("fills: scan row: %w", err)
		}
		if fill.Qty, err = decimalFromNumeric(qty); err != nil {
			return nil, err
		}
		if fill.Price, err = decimalFromNumeric(price); err != nil {
			return nil, err
		}
		if fill.Commission, err = decimalFromNumeric(commission); err != nil {
			return nil, err
		}
		out = append(out, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fills: iterate rows: %w", err)
	}
	return out, nil
}

func orderArgs(state orders.State) (pgx.NamedArgs, error) {
	qty, err := numericFromDecimal(state.Qty)
	if err != nil {
		return nil, err
	}
	limitPrice, err := numericFromOptional(state.LimitPrice)
	if err != nil {
		return nil, err
	}
	stopPrice, err := numericFromOptional(state.StopPrice)
	if err != nil {
		return nil, err
	}
	filledQty, err := numericFromDecimal(state.FilledQty)
	if err != nil {
		return nil, err
	}
	filledAvg, err := numericFromOptional(state.FilledAvgPrice)
	if err != nil {
		return nil, err
	}
	return pgx.NamedArgs{
		"id":                state.ID,
		"run_id":            state.RunID,
		"client_order_id":   state.ClientOrderID,
		"exchange_order_id": nullableString(state.ExchangeOrderID),
		"symbol":            state.Symbol,
		"side":              string(state.Side),
		"order_type":        string(state.OrderType),
		"qty":               qty,
		"limit_price":       limitPrice,
		"stop_price":        stopPrice,
		"time_in_force":     string(state.TimeInForce),
		"status":            string(state.Status),
		"filled_qty":        filledQty,
		"filled_avg_price":  filledAvg,
		"created_at":        state.CreatedAt.UTC(),
		"submitted_at":      state.SubmittedAt,
		"filled_at":         state.FilledAt,
		"cancelled_at":      state.CancelledAt,
		"error_code":        nullableString(state.ErrorCode),
		"reject_reason":     nullableString(state.RejectReason),
	}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanOrder(row pgx.Row) (orders.State, error) {
	var (
		state                      orders.State
		exchangeOrderID            pgtype.Text
		side, orderType            string
		tif, status                string
		qty, filledQty             pgtype.Numeric
		limitPrice, stopPrice      pgtype.Numeric
		filledAvg                  pgtype.Numeric
		submittedAt, filledAt      pgtype.Timestamptz
		cancelledAt                pgtype.Timestamptz
		errorCode, rejectReason    pgtype.Text
	)
	if err := row.Scan(&state.ID, &state.RunID, &state.ClientOrderID, &exchangeOrderID,
		&state.Symbol, &side, &orderType, &qty, &limitPrice, &stopPrice, &tif, &status,
		&filledQty, &filledAvg, &state.CreatedAt, &submittedAt, &filledAt,
		&cancelledAt, &errorCode, &rejectReason); err != nil {
		return orders.State{}, err
	}
	state.Side = orders.Side(side)
	state.OrderType = orders.OrderType(orderType)
	state.TimeInForce = orders.TimeInForce(tif)
	state.Status = orders.Status(status)
	if exchangeOrderID.Valid {
		state.ExchangeOrderID = exchangeOrderID.String
	}
	if errorCode.Valid {
		state.ErrorCode = errorCode.String
	}
	if rejectReason.Valid {
		state.RejectReason = rejectReason.String
	}
	var err error
	if state.Qty, err = decimalFromNumeric(qty); err != nil {
		return orders.State{}, err
	}
	if state.FilledQty, err = decimalFromNumeric(filledQty); err != nil {
		return orders.State{}, err
	}
	if state.LimitPrice, err = optionalFromNumeric(limitPrice); err != nil {
		return orders.State{}, err
	}
	if state.StopPrice, err = optionalFromNumeric(stopPrice); err != nil {
		return orders.State{}, err
	}
	if state.FilledAvgPrice, err = optionalFromNumeric(filledAvg); err != nil {
		return orders.State{}, err
	}
	if submittedAt.Valid {
		t := submittedAt.Time.UTC()
		state.SubmittedAt = &t
	}
	if filledAt.Valid {
		t := filledAt.Time.UTC()
		state.FilledAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		state.CancelledAt = &t
	}
	return state, nil
}

var _ orders.Store = (*OrderStore)(nil)
