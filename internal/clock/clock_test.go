package clock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/5TFG4/Weaver-sub000/internal/clock"
)

func mustTimeframe(t *testing.T, name string) clock.Timeframe {
	t.Helper()
	tf, err := clock.ParseTimeframe(name)
	require.NoError(t, err)
	return tf
}

func TestParseTimeframe(t *testing.T) {
	for name, want := range map[string]time.Duration{
		"1m": time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute,
		"30m": 30 * time.Minute, "1h": time.Hour, "4h": 4 * time.Hour, "1d": 24 * time.Hour,
	} {
		tf, err := clock.ParseTimeframe(name)
		require.NoError(t, err)
		require.Equal(t, want, tf.Duration())
		require.Equal(t, name, tf.String())
	}

	_, err := clock.ParseTimeframe("2h")
	require.Error(t, err)
}

func TestTimeframeAlignmentIsAnchoredToMidnightUTC(t *testing.T) {
	tf := mustTimeframe(t, "4h")
	ts := time.Date(2024, 3, 5, 9, 17, 44, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC), tf.Align(ts))
	require.Equal(t, time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC), tf.Next(ts))

	// A timestamp exactly on a boundary aligns to itself and nexts forward.
	boundary := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	require.Equal(t, boundary, tf.Align(boundary))
	require.Equal(t, boundary.Add(4*time.Hour), tf.Next(boundary))
}

func TestBacktestClockReplaysInclusiveRange(t *testing.T) {
	tf := mustTimeframe(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	c, err := clock.NewBacktestClock("r1", tf, start, end)
	require.NoError(t, err)

	var mu sync.Mutex
	var ticks []clock.Tick
	c.OnTick(func(_ context.Context, tick clock.Tick) {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
	})

	require.NoError(t, c.Start(context.Background()))
	c.Wait()

	require.True(t, c.IsComplete())
	require.Equal(t, 1.0, c.Progress())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ticks, 4)
	for i, tick := range ticks {
		require.Equal(t, start.Add(time.Duration(i)*time.Hour), tick.TS)
		require.Equal(t, int64(i+1), tick.BarIndex)
		require.True(t, tick.IsBacktest)
		require.Equal(t, "r1", tick.RunID)
	}
}

func TestBacktestClockBackpressureGatesAdvancement(t *testing.T) {
	tf := mustTimeframe(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c, err := clock.NewBacktestClock("r1", tf, start, start.Add(3*time.Hour), clock.WithBackpressure())
	require.NoError(t, err)

	ticks := make(chan clock.Tick, 8)
	c.OnTick(func(_ context.Context, tick clock.Tick) { ticks <- tick })
	require.NoError(t, c.Start(context.Background()))

	for want := int64(1); want <= 4; want++ {
		select {
		case tick := <-ticks:
			require.Equal(t, want, tick.BarIndex)
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d never fired", want)
		}
		// Nothing else arrives until we acknowledge.
		select {
		case tick := <-ticks:
			t.Fatalf("tick %d fired before acknowledge", tick.BarIndex)
		case <-time.After(20 * time.Millisecond):
		}
		c.Acknowledge()
	}
	c.Wait()
	require.True(t, c.IsComplete())
}

func TestBacktestClockSingleBoundary(t *testing.T) {
	tf := mustTimeframe(t, "1d")
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c, err := clock.NewBacktestClock("r1", tf, ts, ts)
	require.NoError(t, err)

	count := 0
	c.OnTick(func(context.Context, clock.Tick) { count++ })
	require.NoError(t, c.Start(context.Background()))
	c.Wait()

	require.Equal(t, 1, count)
	require.True(t, c.IsComplete())
}

func TestBacktestClockRejectsInvertedRange(t *testing.T) {
	tf := mustTimeframe(t, "1h")
	_, err := clock.NewBacktestClock("r1", tf,
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
}

func TestBacktestClockStopHaltsReplay(t *testing.T) {
	tf := mustTimeframe(t, "1m")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	c, err := clock.NewBacktestClock("r1", tf, start, end)
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	c.OnTick(func(_ context.Context, _ clock.Tick) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 10 {
			c.Stop()
		}
	})

	require.NoError(t, c.Start(context.Background()))
	c.Wait()

	require.False(t, c.IsComplete())
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, count, 10)
	require.Less(t, count, 1441)
}

func TestBacktestClockPanickingCallbackDoesNotHaltReplay(t *testing.T) {
	tf := mustTimeframe(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c, err := clock.NewBacktestClock("r1", tf, start, start.Add(2*time.Hour))
	require.NoError(t, err)

	count := 0
	c.OnTick(func(context.Context, clock.Tick) { panic("bad strategy") })
	c.OnTick(func(context.Context, clock.Tick) { count++ })

	require.NoError(t, c.Start(context.Background()))
	c.Wait()
	require.Equal(t, 3, count)
	require.True(t, c.IsComplete())
}

func TestRealtimeClockStopBeforeBoundary(t *testing.T) {
	tf := mustTimeframe(t, "1h")
	c := clock.NewRealtimeClock("r1", tf)
	fired := false
	c.OnTick(func(context.Context, clock.Tick) { fired = true })

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	c.Stop()
	c.Wait()
	require.False(t, fired)
}

func TestRealtimeClockDoubleStartFails(t *testing.T) {
	tf := mustTimeframe(t, "1h")
	c := clock.NewRealtimeClock("r1", tf)
	require.NoError(t, c.Start(context.Background()))
	require.Error(t, c.Start(context.Background()))
	c.Stop()
	c.Wait()
}
