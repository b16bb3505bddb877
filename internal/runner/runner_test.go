package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/clock"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
	"github.com/5TFG4/Weaver-sub000/internal/strategy"
)

// scriptedStrategy returns canned actions and records its invocations.
type scriptedStrategy struct {
	initialized bool
	cleaned     bool
	ticks       []strategy.TickInfo
	windows     []schema.WindowReadyPayload

	tickActions []strategy.Action
	dataActions []strategy.Action
	tickErr     error
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) Initialize(_ context.Context, _ runs.Run) error {
	s.initialized = true
	return nil
}

func (s *scriptedStrategy) OnTick(_ context.Context, tick strategy.TickInfo) ([]strategy.Action, error) {
	s.ticks = append(s.ticks, tick)
	if s.tickErr != nil {
		return nil, s.tickErr
	}
	return s.tickActions, nil
}

func (s *scriptedStrategy) OnData(_ context.Context, window schema.WindowReadyPayload) ([]strategy.Action, error) {
	s.windows = append(s.windows, window)
	return s.dataActions, nil
}

func (s *scriptedStrategy) Cleanup(context.Context) error {
	s.cleaned = true
	return nil
}

type fixture struct {
	log      *eventlog.Log
	strat    *scriptedStrategy
	runner   *Runner
	commands []outbox.Record
}

func newFixture(t *testing.T, mode runs.Mode) *fixture {
	t.Helper()
	f := &fixture{
		log:   eventlog.New(outbox.NewMemoryStore(), eventlog.Config{}),
		strat: &scriptedStrategy{},
	}
	run := runs.Run{
		ID:         "r1",
		StrategyID: "scripted",
		Mode:       mode,
		Symbols:    []string{"BTC-USD"},
		Timeframe:  "1h",
		Status:     runs.StatusRunning,
	}
	f.runner = New(f.log, run, f.strat)

	f.log.SubscribeFiltered([]string{
		string(schema.TypeStrategyFetchWindow),
		string(schema.TypeStrategyPlaceRequest),
	}, func(_ context.Context, rec outbox.Record) error {
		f.commands = append(f.commands, rec)
		return nil
	}, nil)

	require.NoError(t, f.runner.Start(context.Background()))
	t.Cleanup(func() { _ = f.runner.Stop(context.Background()) })
	return f
}

func tickAt(ts time.Time, index int64, backtest bool) clock.Tick {
	tf, _ := clock.ParseTimeframe("1h")
	return clock.Tick{RunID: "r1", TS: ts, Timeframe: tf, BarIndex: index, IsBacktest: backtest}
}

func TestStartInitializesAndDoubleStartFails(t *testing.T) {
	f := newFixture(t, runs.ModeBacktest)
	require.True(t, f.strat.initialized)

	err := f.runner.Start(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeIllegalTransition))
}

func TestTickActionsBecomeStrategyCommands(t *testing.T) {
	f := newFixture(t, runs.ModeBacktest)
	f.strat.tickActions = []strategy.Action{
		{FetchWindow: &schema.FetchWindowPayload{Symbol: "BTC-USD", Lookback: 20}},
		{PlaceOrder: &schema.PlaceOrderPayload{
			ClientOrderID: "c1", Symbol: "BTC-USD", Side: "buy", OrderType: "market", Qty: "1",
		}},
	}

	simTS := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f.runner.HandleTick(context.Background(), tickAt(simTS, 3, true))

	require.Len(t, f.commands, 2)
	fetch := f.commands[0].Envelope
	require.Equal(t, schema.TypeStrategyFetchWindow, fetch.Type)
	require.Equal(t, schema.KindCommand, fetch.Kind)
	require.Equal(t, schema.ProducerRunner, fetch.Producer)
	require.Equal(t, "r1", fetch.RunID)
	require.Equal(t, simTS, fetch.TS)

	place := f.commands[1].Envelope
	require.Equal(t, schema.TypeStrategyPlaceRequest, place.Type)
	// Each tick action opens its own correlation chain.
	require.NotEqual(t, fetch.CorrID, place.CorrID)
	require.Empty(t, place.CausationID)

	require.Len(t, f.strat.ticks, 1)
	require.Equal(t, int64(3), f.strat.ticks[0].BarIndex)
	require.Equal(t, "1h", f.strat.ticks[0].Timeframe)
}

func TestLiveTickKeepsWallClockTime(t *testing.T) {
	f := newFixture(t, runs.ModeLive)
	f.strat.tickActions = []strategy.Action{
		{FetchWindow: &schema.FetchWindowPayload{Symbol: "BTC-USD", Lookback: 5}},
	}

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Now().UTC()
	f.runner.HandleTick(context.Background(), tickAt(old, 0, false))

	require.Len(t, f.commands, 1)
	require.False(t, f.commands[0].Envelope.TS.Before(before))
}

func TestWindowActionsDeriveFromWindowEvent(t *testing.T) {
	f := newFixture(t, runs.ModeBacktest)
	f.strat.dataActions = []strategy.Action{
		{PlaceOrder: &schema.PlaceOrderPayload{
			ClientOrderID: "c2", Symbol: "BTC-USD", Side: "sell", OrderType: "market", Qty: "1",
		}},
	}

	simTS := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	window, err := schema.New(schema.KindEvent, schema.TypeDataWindowReady, schema.ProducerBacktest,
		schema.WindowReadyPayload{Symbol: "BTC-USD", Bars: []schema.BarPayload{{Close: "100"}}},
		schema.WithRunID("r1"), schema.WithTS(simTS))
	require.NoError(t, err)
	_, err = f.log.Append(context.Background(), window)
	require.NoError(t, err)

	require.Len(t, f.strat.windows, 1)
	require.Equal(t, "BTC-USD", f.strat.windows[0].Symbol)

	require.Len(t, f.commands, 1)
	derived := f.commands[0].Envelope
	require.Equal(t, schema.TypeStrategyPlaceRequest, derived.Type)
	require.Equal(t, window.CorrID, derived.CorrID)
	require.Equal(t, window.ID, derived.CausationID)
	require.Equal(t, simTS, derived.TS)
}

func TestWindowForOtherRunIsIgnored(t *testing.T) {
	f := newFixture(t, runs.ModeBacktest)

	window, err := schema.New(schema.KindEvent, schema.TypeDataWindowReady, schema.ProducerBacktest,
		schema.WindowReadyPayload{Symbol: "BTC-USD"}, schema.WithRunID("other"))
	require.NoError(t, err)
	_, err = f.log.Append(context.Background(), window)
	require.NoError(t, err)

	require.Empty(t, f.strat.windows)
}

func TestTickErrorIsCountedAndPublishesNothing(t *testing.T) {
	f := newFixture(t, runs.ModeBacktest)
	f.strat.tickErr = errs.New("strategy/test", errs.CodeRunFailure, errs.WithMessage("boom"))

	f.runner.HandleTick(context.Background(), tickAt(time.Now().UTC(), 0, true))

	require.Empty(t, f.commands)
	require.Equal(t, int64(1), f.runner.TickErrors())
}

func TestStopCleansUpAndUnsubscribes(t *testing.T) {
	f := newFixture(t, runs.ModeBacktest)
	require.NoError(t, f.runner.Stop(context.Background()))
	require.True(t, f.strat.cleaned)

	window, err := schema.New(schema.KindEvent, schema.TypeDataWindowReady, schema.ProducerBacktest,
		schema.WindowReadyPayload{Symbol: "BTC-USD"}, schema.WithRunID("r1"))
	require.NoError(t, err)
	_, err = f.log.Append(context.Background(), window)
	require.NoError(t, err)
	require.Empty(t, f.strat.windows)

	// Second stop is a no-op.
	require.NoError(t, f.runner.Stop(context.Background()))
}
