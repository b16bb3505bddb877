package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
)

// PriceSource selects which bar price anchors a market fill.
type PriceSource string

const (
	PriceOpen  PriceSource = "open"
	PriceClose PriceSource = "close"
	// PriceVWAP approximates volume weighting as (high+low+close)/3.
	PriceVWAP PriceSource = "vwap"
)

// FillModel decides whether and at what price a pending order executes
// against one bar. Prices include slippage; commission is charged on the
// resulting notional.
type FillModel struct {
	// MarketPrice anchors market fills on the bar. Defaults to the open.
	MarketPrice PriceSource
	// SlippageBps shifts the fill price against the taker, in basis points.
	SlippageBps decimal.Decimal
	// CommissionBps is charged on fill notional, floored at CommissionMin.
	CommissionBps decimal.Decimal
	CommissionMin decimal.Decimal
}

// DefaultFillModel mirrors a mid-tier crypto venue fee schedule.
func DefaultFillModel() FillModel {
	return FillModel{
		MarketPrice:   PriceOpen,
		SlippageBps:   decimal.NewFromInt(5),
		CommissionBps: decimal.NewFromInt(10),
		CommissionMin: decimal.RequireFromString("0.01"),
	}
}

var bpsDivisor = decimal.NewFromInt(10000)

// Commission returns the fee for a fill of the given notional.
func (m FillModel) Commission(notional decimal.Decimal) decimal.Decimal {
	fee := notional.Abs().Mul(m.CommissionBps).Div(bpsDivisor)
	return decimal.Max(fee, m.CommissionMin)
}

// slip moves price against the order's side.
func (m FillModel) slip(price decimal.Decimal, side orders.Side) decimal.Decimal {
	delta := price.Mul(m.SlippageBps).Div(bpsDivisor)
	if side == orders.SideSell {
		return price.Sub(delta)
	}
	return price.Add(delta)
}

func (m FillModel) marketBase(bar bars.Bar) decimal.Decimal {
	switch m.MarketPrice {
	case PriceClose:
		return bar.Close
	case PriceVWAP:
		return bar.High.Add(bar.Low).Add(bar.Close).Div(decimal.NewFromInt(3))
	default:
		return bar.Open
	}
}

// Evaluate returns the fill price for the order against the bar, the per-unit
// slippage paid, and whether it fills at all. Market orders fill at the
// configured bar price plus slippage. Limit orders fill at the limit, with no
// slippage, when the bar trades through it. Stop orders trigger when the bar
// crosses the stop and fill at the stop plus slippage.
func (m FillModel) Evaluate(intent orders.Intent, bar bars.Bar) (price, slipPerUnit decimal.Decimal, ok bool) {
	switch intent.OrderType {
	case orders.TypeMarket:
		base := m.marketBase(bar)
		price = m.slip(base, intent.Side)
		return price, price.Sub(base).Abs(), true
	case orders.TypeLimit:
		limit := *intent.LimitPrice
		if intent.Side == orders.SideBuy {
			if bar.Low.LessThanOrEqual(limit) {
				return limit, decimal.Zero, true
			}
		} else {
			if bar.High.GreaterThanOrEqual(limit) {
				return limit, decimal.Zero, true
			}
		}
		return decimal.Zero, decimal.Zero, false
	case orders.TypeStop:
		stop := *intent.StopPrice
		if intent.Side == orders.SideBuy {
			if bar.High.GreaterThanOrEqual(stop) {
				price = m.slip(stop, intent.Side)
				return price, price.Sub(stop).Abs(), true
			}
		} else {
			if bar.Low.LessThanOrEqual(stop) {
				price = m.slip(stop, intent.Side)
				return price, price.Sub(stop).Abs(), true
			}
		}
		return decimal.Zero, decimal.Zero, false
	}
	return decimal.Zero, decimal.Zero, false
}
