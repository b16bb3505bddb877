package live

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
	"github.com/5TFG4/Weaver-sub000/internal/exchange"
)

// Position is the locally tracked net exposure for one symbol. Qty is signed:
// positive long, negative short.
type Position struct {
	Symbol   string
	Qty      decimal.Decimal
	AvgEntry decimal.Decimal
}

// PositionTracker folds fills into per-symbol positions. Positions at zero
// quantity are removed rather than kept as empty rows.
type PositionTracker struct {
	mu        sync.RWMutex
	positions map[string]Position
}

// NewPositionTracker constructs an empty tracker.
func NewPositionTracker() *PositionTracker {
	return &PositionTracker{positions: make(map[string]Position)}
}

// ApplyFill folds one execution slice into the symbol's position.
// Increasing exposure reweights the average entry; reducing keeps it; a flip
// through zero resets the average to the fill price for the remainder.
func (t *PositionTracker) ApplyFill(symbol string, side orders.Side, qty, price decimal.Decimal) Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := t.positions[symbol]
	pos.Symbol = symbol
	signed := qty.Mul(side.Sign())
	newQty := pos.Qty.Add(signed)

	switch {
	case newQty.IsZero():
		delete(t.positions, symbol)
		return Position{Symbol: symbol, Qty: decimal.Zero, AvgEntry: decimal.Zero}
	case pos.Qty.IsZero() || pos.Qty.Sign() != newQty.Sign():
		pos.AvgEntry = price
	case pos.Qty.Sign() == signed.Sign():
		notional := pos.AvgEntry.Mul(pos.Qty.Abs()).Add(price.Mul(qty))
		pos.AvgEntry = notional.Div(newQty.Abs())
	}
	pos.Qty = newQty
	t.positions[symbol] = pos
	return pos
}

// Get returns the position for symbol, reporting whether one is open.
func (t *PositionTracker) Get(symbol string) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[symbol]
	return pos, ok
}

// List returns every open position.
func (t *PositionTracker) List() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, pos)
	}
	return out
}

// SyncFromExchange replaces local state with the venue's view, used on
// reconnect when local bookkeeping may have drifted.
func (t *PositionTracker) SyncFromExchange(views []exchange.PositionView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions = make(map[string]Position, len(views))
	for _, view := range views {
		if view.Qty.IsZero() {
			continue
		}
		t.positions[view.Symbol] = Position{
			Symbol:   view.Symbol,
			Qty:      view.Qty,
			AvgEntry: view.AvgEntry,
		}
	}
}
