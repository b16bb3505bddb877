// Package strategy defines the trading strategy contract and the built-in
// strategies shipped with the platform.
package strategy

import (
	"context"
	"time"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// TickInfo is the scheduling instant passed to OnTick. TS is wall-clock time
// in live runs and simulated time in backtests; strategies cannot tell the
// difference, which is what keeps them portable across modes.
type TickInfo struct {
	RunID     string
	TS        time.Time
	Timeframe string
	BarIndex  int64
}

// Action is one intent returned by a strategy. Exactly one field is set.
type Action struct {
	FetchWindow *schema.FetchWindowPayload
	PlaceOrder  *schema.PlaceOrderPayload
}

// Strategy is the mode-neutral trading logic contract. Implementations see
// only ticks and data windows and express themselves through actions; they
// never touch venues or stores directly.
type Strategy interface {
	Name() string
	Initialize(ctx context.Context, run runs.Run) error
	OnTick(ctx context.Context, tick TickInfo) ([]Action, error)
	OnData(ctx context.Context, window schema.WindowReadyPayload) ([]Action, error)
	Cleanup(ctx context.Context) error
}

// Factory builds a fresh strategy instance per run.
type Factory func() Strategy

var builtins = map[string]Factory{
	"window-buyer": func() Strategy { return NewWindowBuyer() },
	"momentum":     func() Strategy { return NewMomentum() },
}

// New resolves a built-in strategy by id.
func New(id string) (Strategy, error) {
	factory, ok := builtins[id]
	if !ok {
		return nil, errs.New("strategy/registry", errs.CodeNotFound,
			errs.WithMessage("unknown strategy "+id))
	}
	return factory(), nil
}

// Register adds a factory under id, replacing any existing registration.
// Used by the JS loader to expose script-backed strategies.
func Register(id string, factory Factory) {
	builtins[id] = factory
}
