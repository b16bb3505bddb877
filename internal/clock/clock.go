// Package clock drives strategy execution in both wall-clock and simulated
// time behind one tick contract.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
)

// Tick is one scheduling instant handed to registered callbacks.
type Tick struct {
	RunID      string
	TS         time.Time
	Timeframe  Timeframe
	BarIndex   int64
	IsBacktest bool
}

// Callback receives each tick. The clock does not advance until the callback
// returns, so a tick's whole event cascade completes before the next tick.
type Callback func(ctx context.Context, tick Tick)

// Clock is the shared contract between realtime and backtest drivers.
type Clock interface {
	OnTick(cb Callback)
	Start(ctx context.Context) error
	Stop()
	Wait()
}

// Timeframe is a recognised bar duration.
type Timeframe struct {
	name string
	d    time.Duration
}

// String returns the canonical timeframe name, such as "5m".
func (t Timeframe) String() string { return t.name }

// Duration returns the bar duration.
func (t Timeframe) Duration() time.Duration { return t.d }

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe resolves a timeframe name.
func ParseTimeframe(name string) (Timeframe, error) {
	d, ok := timeframes[name]
	if !ok {
		return Timeframe{}, errs.New("clock/timeframe", errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown timeframe %q", name)))
	}
	return Timeframe{name: name, d: d}, nil
}

// Align returns the greatest boundary of the timeframe at or before ts, in UTC.
// Boundaries are anchored to midnight UTC, which makes 4h ticks land on
// 00:00, 04:00, 08:00 and so on regardless of when the clock started.
func (t Timeframe) Align(ts time.Time) time.Time {
	return ts.UTC().Truncate(t.d)
}

// Next returns the first boundary strictly after ts.
func (t Timeframe) Next(ts time.Time) time.Time {
	aligned := t.Align(ts)
	if !aligned.After(ts.UTC()) {
		aligned = aligned.Add(t.d)
	}
	return aligned
}

// callbacks is the shared registration list. Callback panics are contained so
// one misbehaving strategy cannot stall the tick loop.
type callbacks struct {
	mu  sync.RWMutex
	cbs []Callback
}

func (c *callbacks) add(cb Callback) {
	c.mu.Lock()
	c.cbs = append(c.cbs, cb)
	c.mu.Unlock()
}

func (c *callbacks) fire(ctx context.Context, tick Tick) {
	c.mu.RLock()
	cbs := append([]Callback(nil), c.cbs...)
	c.mu.RUnlock()
	for _, cb := range cbs {
		invokeCallback(ctx, cb, tick)
	}
}

func invokeCallback(ctx context.Context, cb Callback, tick Tick) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("tick callback panicked",
				observability.F("run_id", tick.RunID),
				observability.F("ts", tick.TS.Format(time.RFC3339)),
				observability.F("panic", r))
		}
	}()
	cb(ctx, tick)
}
