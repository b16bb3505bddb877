package eventlog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
)

type stubPruner struct {
	mu       sync.Mutex
	horizons []time.Time
	pruned   int64
}

func (p *stubPruner) PruneBefore(_ context.Context, horizon time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.horizons = append(p.horizons, horizon)
	return p.pruned, nil
}

func (p *stubPruner) calls() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.horizons...)
}

func TestSweeperPrunesOnStartAndCadence(t *testing.T) {
	pruner := &stubPruner{pruned: 3}
	sweeper := eventlog.NewSweeper(pruner, 24*time.Hour, 10*time.Millisecond)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		return len(pruner.calls()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	horizon := pruner.calls()[0]
	require.WithinDuration(t, time.Now().UTC().Add(-24*time.Hour), horizon, time.Minute)
}

func TestSweeperStopWaitsForLoopExit(t *testing.T) {
	pruner := &stubPruner{}
	sweeper := eventlog.NewSweeper(pruner, time.Hour, 5*time.Millisecond)
	sweeper.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(pruner.calls()) >= 1
	}, 2*time.Second, time.Millisecond)

	sweeper.Stop()
	settled := len(pruner.calls())
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, settled, len(pruner.calls()))
}

func TestSweeperDisabledWithoutRetention(t *testing.T) {
	pruner := &stubPruner{}
	sweeper := eventlog.NewSweeper(pruner, 0, time.Millisecond)
	sweeper.Start(context.Background())
	sweeper.Stop()
	require.Empty(t, pruner.calls())
}
