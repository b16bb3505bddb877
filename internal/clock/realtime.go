package clock

import (
	"context"
	"sync"
	"time"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
)

const (
	coarseWait = 100 * time.Millisecond
	fineWait   = 10 * time.Millisecond
)

// RealtimeClock fires ticks on wall-clock timeframe boundaries in UTC. It
// sleeps in coarse steps until close to the boundary, then in fine steps, so
// ticks land within a few tens of milliseconds of the boundary without
// spinning.
type RealtimeClock struct {
	runID     string
	timeframe Timeframe
	callbacks callbacks

	now func() time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	stopped sync.Once
	started bool
	mu      sync.Mutex
}

// NewRealtimeClock constructs a clock for the run on the given timeframe.
func NewRealtimeClock(runID string, timeframe Timeframe) *RealtimeClock {
	return &RealtimeClock{
		runID:     runID,
		timeframe: timeframe,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// OnTick registers a callback. Registration after Start is permitted.
func (c *RealtimeClock) OnTick(cb Callback) {
	c.callbacks.add(cb)
}

// Start launches the tick loop. It returns immediately; the first tick fires
// on the next timeframe boundary, never retroactively.
func (c *RealtimeClock) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errs.New("clock/realtime", errs.CodeValidation, errs.WithMessage("clock already started"))
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
	return nil
}

// Stop cancels the loop. A tick in flight completes first.
func (c *RealtimeClock) Stop() {
	c.stopped.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		started := c.started
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if !started {
			close(c.done)
		}
	})
}

// Wait blocks until the loop has exited.
func (c *RealtimeClock) Wait() {
	<-c.done
}

func (c *RealtimeClock) loop(ctx context.Context) {
	defer close(c.done)
	barIndex := int64(1)
	next := c.timeframe.Next(c.now())
	for {
		if !c.sleepUntil(ctx, next) {
			return
		}
		tick := Tick{
			RunID:     c.runID,
			TS:        next,
			Timeframe: c.timeframe,
			BarIndex:  barIndex,
		}
		c.callbacks.fire(ctx, tick)
		barIndex++

		// A slow cascade may push us past one or more boundaries. Skip the
		// missed ones rather than firing a burst of stale ticks.
		next = next.Add(c.timeframe.Duration())
		if now := c.now(); next.Before(now) {
			skippedTo := c.timeframe.Next(now)
			observability.Log().Warn("tick processing overran boundary",
				observability.F("run_id", c.runID),
				observability.F("missed", next.Format(time.RFC3339)),
				observability.F("resumed", skippedTo.Format(time.RFC3339)))
			next = skippedTo
		}
	}
}

// sleepUntil waits for target in coarse then fine steps. Returns false when
// the context is cancelled first.
func (c *RealtimeClock) sleepUntil(ctx context.Context, target time.Time) bool {
	for {
		remaining := target.Sub(c.now())
		if remaining <= 0 {
			return true
		}
		wait := coarseWait
		if remaining < 2*coarseWait {
			wait = fineWait
		}
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

var _ Clock = (*RealtimeClock)(nil)
