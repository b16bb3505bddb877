package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/internal/clock"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
)

// Result summarises a finished backtest. Ratio statistics are pointers
// because they are undefined on degenerate curves (no variance, no losses).
type Result struct {
	RunID       string
	InitialCash decimal.Decimal
	FinalEquity decimal.Decimal

	TotalReturnPct      decimal.Decimal
	AnnualizedReturnPct *decimal.Decimal
	SharpeRatio         *decimal.Decimal
	SortinoRatio        *decimal.Decimal
	MaxDrawdown         decimal.Decimal
	MaxDrawdownPct      decimal.Decimal

	TradeCount      int
	RoundTrips      int
	WinRatePct      *decimal.Decimal
	AvgWin          *decimal.Decimal
	AvgLoss         *decimal.Decimal
	ProfitFactor    *decimal.Decimal
	TotalCommission decimal.Decimal
	TotalSlippage   decimal.Decimal

	Equity []EquityPoint
}

type resultInput struct {
	runID           string
	timeframe       string
	initialCash     decimal.Decimal
	equity          []EquityPoint
	fills           []orders.Fill
	fillSides       []orders.Side
	fillSymbols     []string
	totalCommission decimal.Decimal
	totalSlippage   decimal.Decimal
}

func computeResult(in resultInput) Result {
	res := Result{
		RunID:           in.runID,
		InitialCash:     in.initialCash,
		FinalEquity:     in.initialCash,
		TradeCount:      len(in.fills),
		TotalCommission: in.totalCommission,
		TotalSlippage:   in.totalSlippage,
		Equity:          append([]EquityPoint(nil), in.equity...),
	}
	if len(in.equity) > 0 {
		res.FinalEquity = in.equity[len(in.equity)-1].Equity
	}
	if in.initialCash.IsPositive() {
		res.TotalReturnPct = res.FinalEquity.Sub(in.initialCash).
			Div(in.initialCash).Mul(decimal.NewFromInt(100))
	}

	res.MaxDrawdown, res.MaxDrawdownPct = maxDrawdown(in.equity)
	res.AnnualizedReturnPct = annualizedReturn(in.equity, in.initialCash, res.FinalEquity)
	res.SharpeRatio, res.SortinoRatio = riskRatios(in.equity, in.timeframe)

	trips := pairRoundTrips(in)
	res.RoundTrips = len(trips)
	if len(trips) > 0 {
		res.WinRatePct, res.AvgWin, res.AvgLoss, res.ProfitFactor = tradeStats(trips)
	}
	return res
}

func maxDrawdown(equity []EquityPoint) (decimal.Decimal, decimal.Decimal) {
	maxDD := decimal.Zero
	maxDDPct := decimal.Zero
	if len(equity) == 0 {
		return maxDD, maxDDPct
	}
	peak := equity[0].Equity
	for _, point := range equity {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		dd := peak.Sub(point.Equity)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			if peak.IsPositive() {
				maxDDPct = dd.Div(peak).Mul(decimal.NewFromInt(100))
			}
		}
	}
	return maxDD, maxDDPct
}

func annualizedReturn(equity []EquityPoint, initial, final decimal.Decimal) *decimal.Decimal {
	if len(equity) < 2 || !initial.IsPositive() || !final.IsPositive() {
		return nil
	}
	elapsed := equity[len(equity)-1].TS.Sub(equity[0].TS)
	if elapsed <= 0 {
		return nil
	}
	years := elapsed.Hours() / (24 * 365.25)
	growth, _ := final.Div(initial).Float64()
	if growth <= 0 || years <= 0 {
		return nil
	}
	annualized := decimal.NewFromFloat((math.Pow(growth, 1/years) - 1) * 100)
	return &annualized
}

// riskRatios computes Sharpe and Sortino over per-bar returns, annualized by
// the timeframe's bars-per-year. Zero-variance curves report neither.
func riskRatios(equity []EquityPoint, timeframe string) (*decimal.Decimal, *decimal.Decimal) {
	if len(equity) < 3 {
		return nil, nil
	}
	tf, err := clock.ParseTimeframe(timeframe)
	if err != nil {
		return nil, nil
	}
	periodsPerYear := float64(365.25*24*time.Hour) / float64(tf.Duration())

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev, _ := equity[i-1].Equity.Float64()
		cur, _ := equity[i].Equity.Float64()
		if prev == 0 {
			return nil, nil
		}
		returns = append(returns, cur/prev-1)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	downside := 0.0
	downsideN := 0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
		if r < 0 {
			downside += r * r
			downsideN++
		}
	}
	variance /= float64(len(returns) - 1)

	var sharpe, sortino *decimal.Decimal
	if std := math.Sqrt(variance); std > 0 {
		v := decimal.NewFromFloat(mean / std * math.Sqrt(periodsPerYear))
		sharpe = &v
	}
	if downsideN > 0 {
		if dd := math.Sqrt(downside / float64(downsideN)); dd > 0 {
			v := decimal.NewFromFloat(mean / dd * math.Sqrt(periodsPerYear))
			sortino = &v
		}
	}
	return sharpe, sortino
}

type openLot struct {
	side    orders.Side
	qty     decimal.Decimal
	price   decimal.Decimal
	feeUnit decimal.Decimal // entry commission per unit
}

// pairRoundTrips matches fills FIFO per symbol: each closing fill consumes
// the oldest open lots of the opposite side, realising PnL per consumed
// slice net of both sides' commission, allocated pro-rata by quantity.
func pairRoundTrips(in resultInput) []decimal.Decimal {
	lots := make(map[string][]openLot)
	var trips []decimal.Decimal

	for i, fill := range in.fills {
		symbol := in.fillSymbols[i]
		side := in.fillSides[i]
		remaining := fill.Qty
		feeUnit := decimal.Zero
		if fill.Qty.IsPositive() {
			feeUnit = fill.Commission.Div(fill.Qty)
		}
		queue := lots[symbol]

		for remaining.IsPositive() && len(queue) > 0 && queue[0].side != side {
			lot := &queue[0]
			matched := decimal.Min(remaining, lot.qty)
			pnl := fill.Price.Sub(lot.price).Mul(matched)
			if lot.side == orders.SideSell {
				pnl = pnl.Neg()
			}
			pnl = pnl.Sub(lot.feeUnit.Add(feeUnit).Mul(matched))
			trips = append(trips, pnl)
			lot.qty = lot.qty.Sub(matched)
			remaining = remaining.Sub(matched)
			if lot.qty.IsZero() {
				queue = queue[1:]
			}
		}
		if remaining.IsPositive() {
			queue = append(queue, openLot{side: side, qty: remaining, price: fill.Price, feeUnit: feeUnit})
		}
		lots[symbol] = queue
	}
	return trips
}

func tradeStats(trips []decimal.Decimal) (winRate, avgWin, avgLoss, profitFactor *decimal.Decimal) {
	var wins, losses int
	grossWin := decimal.Zero
	grossLoss := decimal.Zero
	for _, pnl := range trips {
		if pnl.IsPositive() {
			wins++
			grossWin = grossWin.Add(pnl)
		} else if pnl.IsNegative() {
			losses++
			grossLoss = grossLoss.Add(pnl.Abs())
		}
	}

	rate := decimal.NewFromInt(int64(wins)).
		Div(decimal.NewFromInt(int64(len(trips)))).
		Mul(decimal.NewFromInt(100))
	winRate = &rate
	if wins > 0 {
		v := grossWin.Div(decimal.NewFromInt(int64(wins)))
		avgWin = &v
	}
	if losses > 0 {
		v := grossLoss.Div(decimal.NewFromInt(int64(losses))).Neg()
		avgLoss = &v
	}
	if grossLoss.IsPositive() {
		v := grossWin.Div(grossLoss)
		profitFactor = &v
	}
	return winRate, avgWin, avgLoss, profitFactor
}
