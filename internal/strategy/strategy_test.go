package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

func windowOf(symbol string, closes ...float64) schema.WindowReadyPayload {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := schema.WindowReadyPayload{Symbol: symbol}
	for i, px := range closes {
		value := fmt.Sprintf("%.2f", px)
		out.Bars = append(out.Bars, schema.BarPayload{
			Symbol:    symbol,
			Timeframe: "1h",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      value,
			High:      value,
			Low:       value,
			Close:     value,
			Volume:    "100",
		})
	}
	return out
}

func TestNewResolvesBuiltinsOnly(t *testing.T) {
	for _, id := range []string{"window-buyer", "momentum"} {
		strat, err := New(id)
		require.NoError(t, err)
		require.Equal(t, id, strat.Name())
	}

	_, err := New("no-such-strategy")
	require.Error(t, err)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestRegisterOverridesFactory(t *testing.T) {
	Register("window-buyer-test", func() Strategy { return NewWindowBuyer() })
	strat, err := New("window-buyer-test")
	require.NoError(t, err)
	require.Equal(t, "window-buyer", strat.Name())
}

func TestWindowBuyerRequestsWindowPerSymbol(t *testing.T) {
	ctx := context.Background()
	strat := NewWindowBuyer()
	require.NoError(t, strat.Initialize(ctx, runs.Run{Symbols: []string{"BTC/USD", "ETH/USD"}}))

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	actions, err := strat.OnTick(ctx, TickInfo{RunID: "r1", TS: ts, Timeframe: "1h", BarIndex: 3})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, action := range actions {
		require.NotNil(t, action.FetchWindow)
		require.Nil(t, action.PlaceOrder)
		require.Equal(t, 20, action.FetchWindow.Lookback)
		require.NotNil(t, action.FetchWindow.AsOf)
		require.True(t, action.FetchWindow.AsOf.Equal(ts))
	}
}

func TestWindowBuyerBuysBelowMeanOnly(t *testing.T) {
	ctx := context.Background()
	strat := NewWindowBuyer()
	require.NoError(t, strat.Initialize(ctx, runs.Run{Symbols: []string{"BTC/USD"}}))
	_, err := strat.OnTick(ctx, TickInfo{BarIndex: 7, TS: time.Now().UTC()})
	require.NoError(t, err)

	// Last close below the window mean triggers a buy.
	actions, err := strat.OnData(ctx, windowOf("BTC/USD", 100, 100, 94))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	order := actions[0].PlaceOrder
	require.NotNil(t, order)
	require.Equal(t, "buy", order.Side)
	require.Equal(t, "market", order.OrderType)
	require.Equal(t, "1", order.Qty)
	require.Equal(t, "wb-BTC/USD-7", order.ClientOrderID)

	// At or above the mean the strategy stays flat.
	actions, err = strat.OnData(ctx, windowOf("BTC/USD", 100, 100, 106))
	require.NoError(t, err)
	require.Empty(t, actions)

	actions, err = strat.OnData(ctx, schema.WindowReadyPayload{Symbol: "BTC/USD"})
	require.NoError(t, err)
	require.Empty(t, actions)
}

func TestMomentumCrossesLongThenExits(t *testing.T) {
	ctx := context.Background()
	strat := NewMomentum()
	require.NoError(t, strat.Initialize(ctx, runs.Run{Symbols: []string{"ETH/USD"}}))

	actions, err := strat.OnTick(ctx, TickInfo{BarIndex: 1, TS: time.Now().UTC()})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, 31, actions[0].FetchWindow.Lookback)

	// Rising tail: fast average above slow, enter long once.
	rising := make([]float64, 0, 30)
	for i := 0; i < 30; i++ {
		rising = append(rising, 100+float64(i))
	}
	actions, err = strat.OnData(ctx, windowOf("ETH/USD", rising...))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "buy", actions[0].PlaceOrder.Side)

	// Same window again: already long, no duplicate entry.
	actions, err = strat.OnData(ctx, windowOf("ETH/USD", rising...))
	require.NoError(t, err)
	require.Empty(t, actions)

	// Falling tail: fast drops below slow, exit.
	falling := make([]float64, 0, 30)
	for i := 0; i < 30; i++ {
		falling = append(falling, 130-float64(i))
	}
	actions, err = strat.OnData(ctx, windowOf("ETH/USD", falling...))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "sell", actions[0].PlaceOrder.Side)
}

func TestMomentumIgnoresShortWindows(t *testing.T) {
	ctx := context.Background()
	strat := NewMomentum()
	require.NoError(t, strat.Initialize(ctx, runs.Run{Symbols: []string{"ETH/USD"}}))

	actions, err := strat.OnData(ctx, windowOf("ETH/USD", 1, 2, 3))
	require.NoError(t, err)
	require.Empty(t, actions)
}
