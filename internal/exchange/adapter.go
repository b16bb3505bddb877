// Package exchange defines the venue adapter contract and the built-in
// simulated venue used by paper runs and tests.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
)

// Quote is the venue's current top of book for one symbol.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	TS     time.Time
}

// Mid returns the quote midpoint.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// OrderView is the venue's report of one order's state.
type OrderView struct {
	ExchangeOrderID string
	Status          orders.Status
	FilledQty       decimal.Decimal
	FilledAvgPrice  *decimal.Decimal
	RejectReason    string
}

// FillEvent is one execution slice reported by the venue.
type FillEvent struct {
	ExchangeOrderID string
	FillID          string
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Commission      decimal.Decimal
	TS              time.Time
}

// PositionView is the venue's report of one open position.
type PositionView struct {
	Symbol   string
	Qty      decimal.Decimal
	AvgEntry decimal.Decimal
}

// Adapter is the venue-facing contract of the live execution service.
// Implementations are safe for concurrent use.
type Adapter interface {
	Name() string
	Connected() bool
	// SubmitOrder forwards the intent to the venue. The returned view carries
	// the venue's order id; the fill stream reports executions afterwards.
	SubmitOrder(ctx context.Context, intent orders.Intent) (OrderView, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOrder(ctx context.Context, exchangeOrderID string) (OrderView, error)
	// GetBars returns historical bars for start <= ts <= end, ascending.
	GetBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]bars.Bar, error)
	LatestQuote(ctx context.Context, symbol string) (Quote, error)
	ListPositions(ctx context.Context) ([]PositionView, error)
	// Fills streams execution events until the adapter closes.
	Fills() <-chan FillEvent
	Close() error
}
