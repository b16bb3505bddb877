package exchange_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
	"github.com/5TFG4/Weaver-sub000/internal/exchange"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newVenue(t *testing.T) *exchange.SimVenue {
	t.Helper()
	v := exchange.NewSimVenue(map[string]decimal.Decimal{"BTC-USD": dec("50000")})
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestMarketOrderFillsAtTouch(t *testing.T) {
	v := newVenue(t)
	ctx := context.Background()

	quote, err := v.LatestQuote(ctx, "BTC-USD")
	require.NoError(t, err)
	require.True(t, quote.Ask.GreaterThan(quote.Bid))

	view, err := v.SubmitOrder(ctx, orders.Intent{
		RunID:         "r1",
		ClientOrderID: "c1",
		Symbol:        "BTC-USD",
		Side:          orders.SideBuy,
		OrderType:     orders.TypeMarket,
		Qty:           dec("0.5"),
		TimeInForce:   orders.TIFGTC,
	})
	require.NoError(t, err)
	require.Equal(t, orders.StatusFilled, view.Status)
	require.True(t, view.FilledQty.Equal(dec("0.5")))
	require.NotNil(t, view.FilledAvgPrice)
	require.True(t, view.FilledAvgPrice.Equal(quote.Ask))

	fill := <-v.Fills()
	require.Equal(t, view.ExchangeOrderID, fill.ExchangeOrderID)
	require.True(t, fill.Qty.Equal(dec("0.5")))
	require.True(t, fill.Commission.IsPositive())
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	v := newVenue(t)
	ctx := context.Background()

	limit := dec("49000")
	view, err := v.SubmitOrder(ctx, orders.Intent{
		RunID:         "r1",
		ClientOrderID: "c1",
		Symbol:        "BTC-USD",
		Side:          orders.SideBuy,
		OrderType:     orders.TypeLimit,
		Qty:           dec("1"),
		LimitPrice:    &limit,
		TimeInForce:   orders.TIFGTC,
	})
	require.NoError(t, err)
	require.Equal(t, orders.StatusAccepted, view.Status)

	v.SetQuote("BTC-USD", dec("48980"), dec("48990"), time.Now().UTC())

	got, err := v.GetOrder(ctx, view.ExchangeOrderID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusFilled, got.Status)
	require.NotNil(t, got.FilledAvgPrice)
	require.True(t, got.FilledAvgPrice.LessThanOrEqual(limit))
}

func TestCancelRestingThenCancelAgainFails(t *testing.T) {
	v := newVenue(t)
	ctx := context.Background()

	limit := dec("40000")
	view, err := v.SubmitOrder(ctx, orders.Intent{
		RunID:         "r1",
		ClientOrderID: "c1",
		Symbol:        "BTC-USD",
		Side:          orders.SideBuy,
		OrderType:     orders.TypeLimit,
		Qty:           dec("1"),
		LimitPrice:    &limit,
		TimeInForce:   orders.TIFGTC,
	})
	require.NoError(t, err)

	require.NoError(t, v.CancelOrder(ctx, view.ExchangeOrderID))
	err = v.CancelOrder(ctx, view.ExchangeOrderID)
	require.True(t, errs.IsCode(err, errs.CodeIllegalTransition))

	err = v.CancelOrder(ctx, "sim-missing")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestUnknownSymbolRejected(t *testing.T) {
	v := newVenue(t)
	_, err := v.SubmitOrder(context.Background(), orders.Intent{
		RunID:         "r1",
		ClientOrderID: "c1",
		Symbol:        "DOGE-USD",
		Side:          orders.SideBuy,
		OrderType:     orders.TypeMarket,
		Qty:           dec("1"),
		TimeInForce:   orders.TIFGTC,
	})
	require.True(t, errs.IsCode(err, errs.CodeRejected))
}

func TestGetBarsIsDeterministic(t *testing.T) {
	v := newVenue(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(9 * time.Hour)

	first, err := v.GetBars(ctx, "BTC-USD", "1h", start, end)
	require.NoError(t, err)
	require.Len(t, first, 10)

	second, err := v.GetBars(ctx, "BTC-USD", "1h", start, end)
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.True(t, first[i].Close.Equal(second[i].Close))
		require.True(t, first[i].High.GreaterThanOrEqual(first[i].Low))
		require.Equal(t, start.Add(time.Duration(i)*time.Hour), first[i].Timestamp)
	}
}

func TestPositionsFollowFills(t *testing.T) {
	v := newVenue(t)
	ctx := context.Background()

	_, err := v.SubmitOrder(ctx, orders.Intent{
		RunID: "r1", ClientOrderID: "c1", Symbol: "BTC-USD",
		Side: orders.SideBuy, OrderType: orders.TypeMarket,
		Qty: dec("2"), TimeInForce: orders.TIFGTC,
	})
	require.NoError(t, err)

	positions, err := v.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].Qty.Equal(dec("2")))

	_, err = v.SubmitOrder(ctx, orders.Intent{
		RunID: "r1", ClientOrderID: "c2", Symbol: "BTC-USD",
		Side: orders.SideSell, OrderType: orders.TypeMarket,
		Qty: dec("2"), TimeInForce: orders.TIFGTC,
	})
	require.NoError(t, err)

	positions, err = v.ListPositions(ctx)
	require.NoError(t, err)
	require.Empty(t, positions)
}
