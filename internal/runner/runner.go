// Package runner drives one strategy instance per run. The runner is the only
// component that calls strategy code: it translates clock ticks and data
// windows into hook invocations and publishes the returned intents as
// mode-neutral strategy.* commands. It never talks to venues or stores.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/clock"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
	"github.com/5TFG4/Weaver-sub000/internal/strategy"
)

// Runner binds a strategy to a run and the event log.
type Runner struct {
	log   *eventlog.Log
	run   runs.Run
	strat strategy.Strategy

	mu      sync.Mutex
	started bool
	subID   eventlog.SubscriptionID

	tickErrors atomic.Int64
}

// New constructs a runner for the given run and strategy instance.
func New(log *eventlog.Log, run runs.Run, strat strategy.Strategy) *Runner {
	return &Runner{log: log, run: run.Clone(), strat: strat}
}

// Start initializes the strategy and subscribes to its data windows. The
// subscription is run-scoped so concurrent runs never see each other's data.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errs.New("runner/start", errs.CodeIllegalTransition,
			errs.WithMessage("runner already started"))
	}
	if err := r.strat.Initialize(ctx, r.run); err != nil {
		return errs.New("runner/start", errs.CodeRunFailure,
			errs.WithMessage("strategy initialize failed"), errs.WithCause(err))
	}
	r.subID = r.log.SubscribeFiltered(
		[]string{string(schema.TypeDataWindowReady)},
		r.onWindow,
		eventlog.RunFilter(r.run.ID),
	)
	r.started = true
	return nil
}

// Stop unsubscribes and lets the strategy release its resources. Idempotent.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	subID := r.subID
	r.mu.Unlock()

	r.log.Unsubscribe(subID)
	if err := r.strat.Cleanup(ctx); err != nil {
		return errs.New("runner/stop", errs.CodeRunFailure,
			errs.WithMessage("strategy cleanup failed"), errs.WithCause(err))
	}
	return nil
}

// HandleTick is the clock callback. Each action gets its own envelope and a
// fresh correlation chain: a tick is a scheduling instant, not an event, so
// there is nothing upstream to derive from.
func (r *Runner) HandleTick(ctx context.Context, tick clock.Tick) {
	actions, err := r.strat.OnTick(ctx, strategy.TickInfo{
		RunID:     tick.RunID,
		TS:        tick.TS,
		Timeframe: tick.Timeframe.String(),
		BarIndex:  tick.BarIndex,
	})
	if err != nil {
		r.tickErrors.Add(1)
		observability.Log().Error("strategy tick failed",
			observability.F("run_id", r.run.ID),
			observability.F("strategy", r.strat.Name()),
			observability.F("bar_index", tick.BarIndex),
			observability.F("error", err))
		return
	}
	ts := tick.TS
	if !tick.IsBacktest {
		ts = time.Time{}
	}
	for _, action := range actions {
		if err := r.publishRoot(ctx, action, ts); err != nil {
			observability.Log().Error("publish strategy intent failed",
				observability.F("run_id", r.run.ID),
				observability.F("error", err))
		}
	}
}

// onWindow feeds a data window to the strategy and publishes the resulting
// actions derived from the window event, keeping the correlation chain intact.
func (r *Runner) onWindow(ctx context.Context, rec outbox.Record) error {
	var window schema.WindowReadyPayload
	if err := rec.Envelope.DecodePayload(&window); err != nil {
		return err
	}
	actions, err := r.strat.OnData(ctx, window)
	if err != nil {
		return errs.New("runner/data", errs.CodeRunFailure,
			errs.WithMessage("strategy onData failed"), errs.WithCause(err))
	}
	for _, action := range actions {
		if err := r.publishDerived(ctx, rec.Envelope, action); err != nil {
			return err
		}
	}
	return nil
}

// TickErrors reports how many tick callbacks failed since Start.
func (r *Runner) TickErrors() int64 {
	return r.tickErrors.Load()
}

func (r *Runner) publishRoot(ctx context.Context, action strategy.Action, simTS time.Time) error {
	typ, payload, err := intentOf(action)
	if err != nil {
		return err
	}
	opts := []schema.Option{schema.WithRunID(r.run.ID)}
	if !simTS.IsZero() {
		opts = append(opts, schema.WithTS(simTS))
	}
	env, err := schema.New(schema.KindCommand, typ, schema.ProducerRunner, payload, opts...)
	if err != nil {
		return err
	}
	_, err = r.log.Append(ctx, env)
	return err
}

func (r *Runner) publishDerived(ctx context.Context, source schema.Envelope, action strategy.Action) error {
	typ, payload, err := intentOf(action)
	if err != nil {
		return err
	}
	opts := []schema.Option{schema.WithRunID(r.run.ID)}
	if r.run.Mode == runs.ModeBacktest {
		opts = append(opts, schema.WithTS(source.TS))
	}
	env, err := schema.Derive(source, schema.KindCommand, typ, schema.ProducerRunner, payload, opts...)
	if err != nil {
		return err
	}
	_, err = r.log.Append(ctx, env)
	return err
}

func intentOf(action strategy.Action) (schema.Type, any, error) {
	switch {
	case action.FetchWindow != nil && action.PlaceOrder != nil:
		return "", nil, errs.New("runner/publish", errs.CodeValidation,
			errs.WithMessage("action sets both fetchWindow and placeOrder"))
	case action.FetchWindow != nil:
		return schema.TypeStrategyFetchWindow, action.FetchWindow, nil
	case action.PlaceOrder != nil:
		return schema.TypeStrategyPlaceRequest, action.PlaceOrder, nil
	default:
		return "", nil, errs.New("runner/publish", errs.CodeValidation,
			errs.WithMessage("empty action"))
	}
}
