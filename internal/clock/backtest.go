package clock

import (
	"context"
	"sync"
	"time"

	"github.com/5TFG4/Weaver-sub000/errs"
)

// BacktestClock replays simulated boundaries from start to end inclusive,
// as fast as the callbacks allow. Each tick's callback chain completes before
// the next tick fires, which keeps simulated causality identical to the
// realtime contract.
type BacktestClock struct {
	runID     string
	timeframe Timeframe
	start     time.Time
	end       time.Time
	callbacks callbacks

	mu       sync.Mutex
	started  bool
	complete bool
	current  time.Time

	ack chan struct{}

	cancel  context.CancelFunc
	done    chan struct{}
	stopped sync.Once
}

// BacktestOption customises a backtest clock.
type BacktestOption func(*BacktestClock)

// WithBackpressure gates tick advancement on Acknowledge calls: after each
// tick the clock blocks until the driver acknowledges, instead of free-running.
func WithBackpressure() BacktestOption {
	return func(c *BacktestClock) { c.ack = make(chan struct{}, 1) }
}

// NewBacktestClock constructs a clock replaying [start, end] on the given
// timeframe. Bounds are aligned up to the first boundary at or after start.
func NewBacktestClock(runID string, timeframe Timeframe, start, end time.Time, opts ...BacktestOption) (*BacktestClock, error) {
	start = start.UTC()
	end = end.UTC()
	if end.Before(start) {
		return nil, errs.New("clock/backtest", errs.CodeValidation,
			errs.WithMessage("end before start"))
	}
	first := timeframe.Align(start)
	if first.Before(start) {
		first = first.Add(timeframe.Duration())
	}
	c := &BacktestClock{
		runID:     runID,
		timeframe: timeframe,
		start:     first,
		end:       end,
		current:   first,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Acknowledge releases the clock for the next tick. A no-op when the clock
// was built without backpressure.
func (c *BacktestClock) Acknowledge() {
	if c.ack == nil {
		return
	}
	select {
	case c.ack <- struct{}{}:
	default:
	}
}

// OnTick registers a callback.
func (c *BacktestClock) OnTick(cb Callback) {
	c.callbacks.add(cb)
}

// Start launches the replay loop. It returns immediately.
func (c *BacktestClock) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errs.New("clock/backtest", errs.CodeValidation, errs.WithMessage("clock already started"))
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
	return nil
}

// Stop cancels the replay. A tick in flight completes first.
func (c *BacktestClock) Stop() {
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

// Wait blocks until the replay has exited, either complete or stopped.
func (c *BacktestClock) Wait() {
	<-c.done
}

// IsComplete reports whether the replay reached the end boundary.
func (c *BacktestClock) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Progress reports the replayed fraction of the simulated range, in [0, 1].
// A single-boundary range reports 0 until it completes.
func (c *BacktestClock) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete {
		return 1
	}
	total := c.end.Sub(c.start)
	if total <= 0 {
		return 0
	}
	elapsed := c.current.Sub(c.start)
	if elapsed <= 0 {
		return 0
	}
	p := float64(elapsed) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}

func (c *BacktestClock) loop(ctx context.Context) {
	defer close(c.done)
	barIndex := int64(1)
	for ts := c.start; !ts.After(c.end); ts = ts.Add(c.timeframe.Duration()) {
		if ctx.Err() != nil {
			return
		}
		if barIndex > 1 && c.ack != nil {
			select {
			case <-ctx.Done():
				return
			case <-c.ack:
			}
		}
		c.mu.Lock()
		c.current = ts
		c.mu.Unlock()

		tick := Tick{
			RunID:      c.runID,
			TS:         ts,
			Timeframe:  c.timeframe,
			BarIndex:   barIndex,
			IsBacktest: true,
		}
		c.callbacks.fire(ctx, tick)
		barIndex++
	}
	c.mu.Lock()
	c.complete = true
	c.mu.Unlock()
}

var _ Clock = (*BacktestClock)(nil)
