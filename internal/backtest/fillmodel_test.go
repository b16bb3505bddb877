package backtest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/5TFG4/Weaver-sub000/internal/backtest"
	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
)

func testBar() bars.Bar {
	return bars.Bar{
		Symbol:    "BTC-USD",
		Timeframe: "1h",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Open:      dec("42000"),
		High:      dec("42100"),
		Low:       dec("41850"),
		Close:     dec("42050"),
		Volume:    dec("100"),
	}
}

func marketIntent(side orders.Side) orders.Intent {
	return orders.Intent{
		RunID:         "r1",
		ClientOrderID: "c1",
		Symbol:        "BTC-USD",
		Side:          side,
		OrderType:     orders.TypeMarket,
		Qty:           dec("1"),
		TimeInForce:   orders.TIFGTC,
	}
}

func TestMarketFillAnchorsOnConfiguredPrice(t *testing.T) {
	bar := testBar()
	cases := []struct {
		source backtest.PriceSource
		want   string
	}{
		{backtest.PriceOpen, "42000"},
		{backtest.PriceClose, "42050"},
		{backtest.PriceVWAP, "42000"}, // (42100+41850+42050)/3
	}
	for _, tc := range cases {
		t.Run(string(tc.source), func(t *testing.T) {
			model := backtest.FillModel{MarketPrice: tc.source}
			price, slip, ok := model.Evaluate(marketIntent(orders.SideBuy), bar)
			require.True(t, ok)
			require.True(t, price.Equal(dec(tc.want)))
			require.True(t, slip.IsZero())
		})
	}
}

func TestMarketSlippageMovesAgainstTaker(t *testing.T) {
	model := backtest.FillModel{MarketPrice: backtest.PriceOpen, SlippageBps: dec("10")}
	bar := testBar()

	// 10 bps of 42000 is 42.
	price, slip, ok := model.Evaluate(marketIntent(orders.SideBuy), bar)
	require.True(t, ok)
	require.True(t, price.Equal(dec("42042")))
	require.True(t, slip.Equal(dec("42")))

	price, slip, ok = model.Evaluate(marketIntent(orders.SideSell), bar)
	require.True(t, ok)
	require.True(t, price.Equal(dec("41958")))
	require.True(t, slip.Equal(dec("42")))
}

func TestLimitFillsOnlyWhenBarTouches(t *testing.T) {
	model := backtest.DefaultFillModel()
	bar := testBar()

	limit := dec("41900")
	intent := marketIntent(orders.SideBuy)
	intent.OrderType = orders.TypeLimit
	intent.LimitPrice = &limit

	// Bar low 41850 trades through the buy limit; fill at the limit, no slip.
	price, slip, ok := model.Evaluate(intent, bar)
	require.True(t, ok)
	require.True(t, price.Equal(limit))
	require.True(t, slip.IsZero())

	deep := dec("41800")
	intent.LimitPrice = &deep
	_, _, ok = model.Evaluate(intent, bar)
	require.False(t, ok)

	sellLimit := dec("42090")
	sell := marketIntent(orders.SideSell)
	sell.OrderType = orders.TypeLimit
	sell.LimitPrice = &sellLimit
	price, _, ok = model.Evaluate(sell, bar)
	require.True(t, ok)
	require.True(t, price.Equal(sellLimit))

	high := dec("42200")
	sell.LimitPrice = &high
	_, _, ok = model.Evaluate(sell, bar)
	require.False(t, ok)
}

func TestStopTriggersOnCrossAndPaysSlippage(t *testing.T) {
	model := backtest.FillModel{SlippageBps: dec("10")}
	bar := testBar()

	stop := dec("42080")
	intent := marketIntent(orders.SideBuy)
	intent.OrderType = orders.TypeStop
	intent.StopPrice = &stop

	// Bar high 42100 crosses the buy stop; fill at stop plus slippage.
	price, slip, ok := model.Evaluate(intent, bar)
	require.True(t, ok)
	require.True(t, price.GreaterThan(stop))
	require.True(t, slip.Equal(price.Sub(stop)))

	unreached := dec("42200")
	intent.StopPrice = &unreached
	_, _, ok = model.Evaluate(intent, bar)
	require.False(t, ok)

	sellStop := dec("41900")
	sell := marketIntent(orders.SideSell)
	sell.OrderType = orders.TypeStop
	sell.StopPrice = &sellStop
	price, _, ok = model.Evaluate(sell, bar)
	require.True(t, ok)
	require.True(t, price.LessThan(sellStop))
}

func TestCommissionFloorsAtMinimum(t *testing.T) {
	model := backtest.FillModel{CommissionBps: dec("10"), CommissionMin: dec("1")}

	require.True(t, model.Commission(dec("51000")).Equal(dec("51")))
	require.True(t, model.Commission(dec("100")).Equal(dec("1")))
	require.True(t, model.Commission(dec("-51000")).Equal(dec("51")))
}
