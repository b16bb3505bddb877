package eventlog

import (
	"context"
	"time"

	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
)

// Sweeper prunes committed records past the retention horizon on a fixed
// cadence. It runs against the durable store only; consumers that lag past
// the horizon restart from the oldest surviving record.
type Sweeper struct {
	pruner    outbox.Pruner
	retention time.Duration
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper constructs a sweeper keeping records younger than retention,
// checking every interval. Interval defaults to one hour.
func NewSweeper(pruner outbox.Pruner, retention, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		pruner:    pruner,
		retention: retention,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop. A zero or negative retention disables it.
func (s *Sweeper) Start(ctx context.Context) {
	if s.retention <= 0 {
		close(s.done)
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	horizon := time.Now().UTC().Add(-s.retention)
	pruned, err := s.pruner.PruneBefore(ctx, horizon)
	if err != nil {
		observability.Log().Error("event log retention sweep failed",
			observability.F("horizon", horizon.Format(time.RFC3339)),
			observability.F("error", err))
		return
	}
	if pruned > 0 {
		observability.Log().Info("event log records pruned",
			observability.F("pruned", pruned),
			observability.F("horizon", horizon.Format(time.RFC3339)))
	}
}
