// Package router translates mode-neutral strategy.* commands into the
// live.* or backtest.* namespace owned by the run's execution service.
// Payloads pass through verbatim; only the type namespace changes.
package router

import (
	"context"
	"sync"

	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// Router re-publishes strategy intents under the namespace matching the
// run's mode. Paper runs route to the live service, which decides between
// the real venue and the simulated one.
type Router struct {
	log  *eventlog.Log
	runs runs.Store

	mu      sync.Mutex
	started bool
	subID   eventlog.SubscriptionID
}

// New constructs a router over the event log and run repository.
func New(log *eventlog.Log, runStore runs.Store) *Router {
	return &Router{log: log, runs: runStore}
}

// Start subscribes to the strategy command namespace.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.subID = r.log.SubscribeFiltered([]string{
		string(schema.TypeStrategyFetchWindow),
		string(schema.TypeStrategyPlaceRequest),
	}, r.route, nil)
	r.started = true
}

// Stop removes the subscription. Idempotent.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	r.log.Unsubscribe(r.subID)
}

// route maps one strategy command to its mode-scoped twin. Commands for
// unknown runs are dropped with a warning rather than failing the dispatch:
// the log replays history, and runs deleted since then are not an error.
func (r *Router) route(ctx context.Context, rec outbox.Record) error {
	env := rec.Envelope
	run, err := r.runs.Get(ctx, env.RunID)
	if err != nil {
		observability.Log().Warn("dropping strategy command for unknown run",
			observability.F("run_id", env.RunID),
			observability.F("event_type", string(env.Type)),
			observability.F("offset", rec.Offset))
		return nil
	}

	target, ok := targetType(env.Type, run.Mode)
	if !ok {
		observability.Log().Warn("dropping unroutable strategy command",
			observability.F("run_id", env.RunID),
			observability.F("event_type", string(env.Type)))
		return nil
	}

	opts := []schema.Option{schema.WithRunID(env.RunID)}
	if run.Mode == runs.ModeBacktest {
		opts = append(opts, schema.WithTS(env.TS))
	}
	routed, err := schema.Derive(env, schema.KindCommand, target, schema.ProducerRouter, env.Payload, opts...)
	if err != nil {
		return err
	}
	_, err = r.log.Append(ctx, routed)
	return err
}

func targetType(typ schema.Type, mode runs.Mode) (schema.Type, bool) {
	backtest := mode == runs.ModeBacktest
	switch typ {
	case schema.TypeStrategyFetchWindow:
		if backtest {
			return schema.TypeBacktestFetchWindow, true
		}
		return schema.TypeLiveFetchWindow, true
	case schema.TypeStrategyPlaceRequest:
		if backtest {
			return schema.TypeBacktestPlaceOrder, true
		}
		return schema.TypeLivePlaceOrder, true
	default:
		return "", false
	}
}
