package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// WindowBuyer requests a small window every tick and buys a fixed quantity
// whenever the last close is below the window average. Mostly useful as a
// smoke strategy: it exercises the whole fetch, decide, place loop.
type WindowBuyer struct {
	symbols  []string
	lookback int
	qty      decimal.Decimal
	tick     int64
}

// NewWindowBuyer constructs the strategy with its defaults.
func NewWindowBuyer() *WindowBuyer {
	return &WindowBuyer{lookback: 20, qty: decimal.NewFromInt(1)}
}

// Name identifies the strategy.
func (s *WindowBuyer) Name() string { return "window-buyer" }

// Initialize captures the run's symbols.
func (s *WindowBuyer) Initialize(_ context.Context, run runs.Run) error {
	s.symbols = append([]string(nil), run.Symbols...)
	return nil
}

// OnTick requests a window for every symbol.
func (s *WindowBuyer) OnTick(_ context.Context, tick TickInfo) ([]Action, error) {
	s.tick = tick.BarIndex
	actions := make([]Action, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		ts := tick.TS
		actions = append(actions, Action{FetchWindow: &schema.FetchWindowPayload{
			Symbol:   symbol,
			Lookback: s.lookback,
			AsOf:     &ts,
		}})
	}
	return actions, nil
}

// OnData buys when the last close sits below the window mean.
func (s *WindowBuyer) OnData(_ context.Context, window schema.WindowReadyPayload) ([]Action, error) {
	if len(window.Bars) == 0 {
		return nil, nil
	}
	sum := decimal.Zero
	for _, bar := range window.Bars {
		px, err := decimal.NewFromString(bar.Close)
		if err != nil {
			return nil, err
		}
		sum = sum.Add(px)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(window.Bars))))
	last, err := decimal.NewFromString(window.Bars[len(window.Bars)-1].Close)
	if err != nil {
		return nil, err
	}
	if last.GreaterThanOrEqual(mean) {
		return nil, nil
	}
	return []Action{{PlaceOrder: &schema.PlaceOrderPayload{
		ClientOrderID: fmt.Sprintf("wb-%s-%d", window.Symbol, s.tick),
		Symbol:        window.Symbol,
		Side:          "buy",
		OrderType:     "market",
		Qty:           s.qty.String(),
		TimeInForce:   "gtc",
	}}}, nil
}

// Cleanup has nothing to release.
func (s *WindowBuyer) Cleanup(context.Context) error { return nil }

var _ Strategy = (*WindowBuyer)(nil)
