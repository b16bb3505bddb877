package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// Momentum goes long when the fast moving average crosses above the slow one
// and exits on the cross back down. One unit per symbol, long-only.
type Momentum struct {
	symbols []string
	fast    int
	slow    int
	qty     decimal.Decimal
	tick    int64
	long    map[string]bool
}

// NewMomentum constructs the strategy with 10/30 windows.
func NewMomentum() *Momentum {
	return &Momentum{fast: 10, slow: 30, qty: decimal.NewFromInt(1), long: make(map[string]bool)}
}

// Name identifies the strategy.
func (s *Momentum) Name() string { return "momentum" }

// Initialize captures the run's symbols.
func (s *Momentum) Initialize(_ context.Context, run runs.Run) error {
	s.symbols = append([]string(nil), run.Symbols...)
	return nil
}

// OnTick requests enough history to compute both averages.
func (s *Momentum) OnTick(_ context.Context, tick TickInfo) ([]Action, error) {
	s.tick = tick.BarIndex
	actions := make([]Action, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		ts := tick.TS
		actions = append(actions, Action{FetchWindow: &schema.FetchWindowPayload{
			Symbol:   symbol,
			Lookback: s.slow + 1,
			AsOf:     &ts,
		}})
	}
	return actions, nil
}

// OnData crosses the averages and flips the per-symbol stance.
func (s *Momentum) OnData(_ context.Context, window schema.WindowReadyPayload) ([]Action, error) {
	if len(window.Bars) < s.slow {
		return nil, nil
	}
	closes := make([]decimal.Decimal, 0, len(window.Bars))
	for _, bar := range window.Bars {
		px, err := decimal.NewFromString(bar.Close)
		if err != nil {
			return nil, err
		}
		closes = append(closes, px)
	}

	fast := mean(closes[len(closes)-s.fast:])
	slow := mean(closes[len(closes)-s.slow:])
	isLong := s.long[window.Symbol]

	switch {
	case fast.GreaterThan(slow) && !isLong:
		s.long[window.Symbol] = true
		return []Action{s.order(window.Symbol, "buy")}, nil
	case fast.LessThan(slow) && isLong:
		s.long[window.Symbol] = false
		return []Action{s.order(window.Symbol, "sell")}, nil
	}
	return nil, nil
}

func (s *Momentum) order(symbol, side string) Action {
	return Action{PlaceOrder: &schema.PlaceOrderPayload{
		ClientOrderID: fmt.Sprintf("mom-%s-%s-%d", symbol, side, s.tick),
		Symbol:        symbol,
		Side:          side,
		OrderType:     "market",
		Qty:           s.qty.String(),
		TimeInForce:   "gtc",
	}}
}

func mean(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// Cleanup has nothing to release.
func (s *Momentum) Cleanup(context.Context) error { return nil }

var _ Strategy = (*Momentum)(nil)
