package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

type harness struct {
	log    *eventlog.Log
	runs   *runs.MemoryStore
	router *Router
	routed []outbox.Record
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		log:  eventlog.New(outbox.NewMemoryStore(), eventlog.Config{}),
		runs: runs.NewMemoryStore(),
	}
	h.router = New(h.log, h.runs)
	h.router.Start()
	t.Cleanup(h.router.Stop)

	h.log.SubscribeFiltered([]string{
		string(schema.TypeLiveFetchWindow),
		string(schema.TypeLivePlaceOrder),
		string(schema.TypeBacktestFetchWindow),
		string(schema.TypeBacktestPlaceOrder),
	}, func(_ context.Context, rec outbox.Record) error {
		h.routed = append(h.routed, rec)
		return nil
	}, nil)
	return h
}

func (h *harness) addRun(t *testing.T, id string, mode runs.Mode) {
	t.Helper()
	require.NoError(t, h.runs.Create(context.Background(), runs.Run{
		ID:         id,
		StrategyID: "momentum",
		Mode:       mode,
		Symbols:    []string{"BTC-USD"},
		Timeframe:  "1h",
		Status:     runs.StatusRunning,
		CreatedAt:  time.Now().UTC(),
	}))
}

func (h *harness) emit(t *testing.T, typ schema.Type, runID string, payload any) schema.Envelope {
	t.Helper()
	env, err := schema.New(schema.KindCommand, typ, schema.ProducerRunner, payload,
		schema.WithRunID(runID))
	require.NoError(t, err)
	_, err = h.log.Append(context.Background(), env)
	require.NoError(t, err)
	return env
}

func TestRoutesFetchWindowByRunMode(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, "live-1", runs.ModeLive)
	h.addRun(t, "bt-1", runs.ModeBacktest)

	payload := schema.FetchWindowPayload{Symbol: "BTC-USD", Lookback: 20}
	h.emit(t, schema.TypeStrategyFetchWindow, "live-1", payload)
	h.emit(t, schema.TypeStrategyFetchWindow, "bt-1", payload)

	require.Len(t, h.routed, 2)
	require.Equal(t, schema.TypeLiveFetchWindow, h.routed[0].Envelope.Type)
	require.Equal(t, "live-1", h.routed[0].Envelope.RunID)
	require.Equal(t, schema.TypeBacktestFetchWindow, h.routed[1].Envelope.Type)
	require.Equal(t, "bt-1", h.routed[1].Envelope.RunID)
}

func TestPaperRunsRouteToLiveNamespace(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, "paper-1", runs.ModePaper)

	h.emit(t, schema.TypeStrategyPlaceRequest, "paper-1", schema.PlaceOrderPayload{
		ClientOrderID: "c1", Symbol: "BTC-USD", Side: "buy", OrderType: "market", Qty: "1",
	})

	require.Len(t, h.routed, 1)
	require.Equal(t, schema.TypeLivePlaceOrder, h.routed[0].Envelope.Type)
}

func TestRoutedEnvelopeKeepsPayloadAndChain(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, "bt-1", runs.ModeBacktest)

	source := h.emit(t, schema.TypeStrategyPlaceRequest, "bt-1", schema.PlaceOrderPayload{
		ClientOrderID: "c1", Symbol: "BTC-USD", Side: "sell", OrderType: "limit",
		Qty: "2", TimeInForce: "gtc",
	})

	require.Len(t, h.routed, 1)
	routed := h.routed[0].Envelope
	require.Equal(t, schema.ProducerRouter, routed.Producer)
	require.Equal(t, source.CorrID, routed.CorrID)
	require.Equal(t, source.ID, routed.CausationID)
	require.JSONEq(t, string(source.Payload), string(routed.Payload))

	var decoded schema.PlaceOrderPayload
	require.NoError(t, routed.DecodePayload(&decoded))
	require.Equal(t, "c1", decoded.ClientOrderID)
	require.Equal(t, "2", decoded.Qty)
}

func TestBacktestRoutingPreservesSimulatedTime(t *testing.T) {
	h := newHarness(t)
	h.addRun(t, "bt-1", runs.ModeBacktest)

	simTS := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	env, err := schema.New(schema.KindCommand, schema.TypeStrategyFetchWindow,
		schema.ProducerRunner, schema.FetchWindowPayload{Symbol: "BTC-USD", Lookback: 5},
		schema.WithRunID("bt-1"), schema.WithTS(simTS))
	require.NoError(t, err)
	_, err = h.log.Append(context.Background(), env)
	require.NoError(t, err)

	require.Len(t, h.routed, 1)
	require.Equal(t, simTS, h.routed[0].Envelope.TS)
}

func TestUnknownRunIsDroppedSilently(t *testing.T) {
	h := newHarness(t)

	h.emit(t, schema.TypeStrategyFetchWindow, "ghost", schema.FetchWindowPayload{
		Symbol: "BTC-USD", Lookback: 5,
	})

	require.Empty(t, h.routed)
}
