package exchange

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/clock"
	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
)

// SimVenue is a deterministic in-process venue for paper runs and tests.
// Prices follow a seeded random walk per symbol, so backfilled history is
// reproducible across restarts. Market orders fill immediately at the
// touch; limit and stop orders rest until a quote update crosses them.
type SimVenue struct {
	name string

	mu        sync.Mutex
	symbols   map[string]*simSymbol
	resting   map[string]*restingOrder
	positions map[string]PositionView
	closed    bool

	commissionBps decimal.Decimal
	fills         chan FillEvent
}

type simSymbol struct {
	basePrice decimal.Decimal
	quote     Quote
	seed      int64
}

type restingOrder struct {
	intent          orders.Intent
	exchangeOrderID string
	status          orders.Status
	filledQty       decimal.Decimal
	filledAvgPrice  *decimal.Decimal
	rejectReason    string
}

// SimOption customises a SimVenue under construction.
type SimOption func(*SimVenue)

// WithCommissionBps sets the commission charged per fill in basis points.
func WithCommissionBps(bps decimal.Decimal) SimOption {
	return func(v *SimVenue) { v.commissionBps = bps }
}

// NewSimVenue constructs a simulated venue quoting the given symbols around
// their base prices.
func NewSimVenue(basePrices map[string]decimal.Decimal, opts ...SimOption) *SimVenue {
	v := &SimVenue{
		name:          "sim",
		symbols:       make(map[string]*simSymbol, len(basePrices)),
		resting:       make(map[string]*restingOrder),
		positions:     make(map[string]PositionView),
		commissionBps: decimal.NewFromInt(1),
		fills:         make(chan FillEvent, 256),
	}
	for _, opt := range opts {
		opt(v)
	}
	now := time.Now().UTC()
	for symbol, base := range basePrices {
		sym := &simSymbol{basePrice: base, seed: symbolSeed(symbol)}
		sym.quote = quoteAround(symbol, base, now)
		v.symbols[symbol] = sym
	}
	return v
}

func symbolSeed(symbol string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return int64(h.Sum64())
}

var spreadBps = decimal.NewFromInt(2)

func quoteAround(symbol string, mid decimal.Decimal, ts time.Time) Quote {
	half := mid.Mul(spreadBps).Div(decimal.NewFromInt(20000))
	return Quote{Symbol: symbol, Bid: mid.Sub(half), Ask: mid.Add(half), TS: ts}
}

// Name identifies the venue.
func (v *SimVenue) Name() string { return v.name }

// Connected reports venue availability. The simulated venue is always up
// until closed.
func (v *SimVenue) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.closed
}

// SetQuote overrides a symbol's top of book and re-checks resting orders.
func (v *SimVenue) SetQuote(symbol string, bid, ask decimal.Decimal, ts time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sym, ok := v.symbols[symbol]
	if !ok {
		sym = &simSymbol{basePrice: bid, seed: symbolSeed(symbol)}
		v.symbols[symbol] = sym
	}
	sym.quote = Quote{Symbol: symbol, Bid: bid, Ask: ask, TS: ts.UTC()}
	v.matchRestingLocked(symbol)
}

// SubmitOrder accepts the intent, fills marketable orders immediately, and
// rests the others.
func (v *SimVenue) SubmitOrder(_ context.Context, intent orders.Intent) (OrderView, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return OrderView{}, errs.New("exchange/sim", errs.CodeNotConnected, errs.WithMessage("venue closed"))
	}
	sym, ok := v.symbols[intent.Symbol]
	if !ok {
		return OrderView{}, errs.New("exchange/sim", errs.CodeRejected,
			errs.WithMessage("unknown symbol "+intent.Symbol))
	}
	ord := &restingOrder{
		intent:          intent,
		exchangeOrderID: "sim-" + uuid.NewString(),
		status:          orders.StatusAccepted,
		filledQty:       decimal.Zero,
	}
	v.resting[ord.exchangeOrderID] = ord
	v.tryFillLocked(ord, sym.quote)
	return ord.view(), nil
}

// CancelOrder cancels a resting order. Filled orders report an illegal
// transition; unknown ids are not found.
func (v *SimVenue) CancelOrder(_ context.Context, exchangeOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.resting[exchangeOrderID]
	if !ok {
		return errs.New("exchange/sim", errs.CodeNotFound, errs.WithMessage("order "+exchangeOrderID))
	}
	switch ord.status {
	case orders.StatusFilled, orders.StatusCancelled, orders.StatusRejected:
		return errs.New("exchange/sim", errs.CodeIllegalTransition,
			errs.WithMessage(fmt.Sprintf("cancel %s order", ord.status)))
	}
	ord.status = orders.StatusCancelled
	return nil
}

// GetOrder reports the venue's view of one order.
func (v *SimVenue) GetOrder(_ context.Context, exchangeOrderID string) (OrderView, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.resting[exchangeOrderID]
	if !ok {
		return OrderView{}, errs.New("exchange/sim", errs.CodeNotFound, errs.WithMessage("order "+exchangeOrderID))
	}
	return ord.view(), nil
}

// GetBars synthesises deterministic history by walking the seeded price path
// over the requested range.
func (v *SimVenue) GetBars(_ context.Context, symbol, timeframe string, start, end time.Time) ([]bars.Bar, error) {
	v.mu.Lock()
	sym, ok := v.symbols[symbol]
	v.mu.Unlock()
	if !ok {
		return nil, errs.New("exchange/sim", errs.CodeNotFound, errs.WithMessage("symbol "+symbol))
	}
	tf, err := clock.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	first := tf.Align(start)
	if first.Before(start.UTC()) {
		first = first.Add(tf.Duration())
	}

	rng := rand.New(rand.NewSource(sym.seed))
	price := sym.basePrice
	var out []bars.Bar
	for ts := first; !ts.After(end.UTC()); ts = ts.Add(tf.Duration()) {
		open := price
		drift := decimal.NewFromFloat((rng.Float64() - 0.5) / 100)
		closePx := open.Mul(decimal.NewFromInt(1).Add(drift))
		high := decimal.Max(open, closePx).Mul(decimal.NewFromFloat(1.001))
		low := decimal.Min(open, closePx).Mul(decimal.NewFromFloat(0.999))
		volume := decimal.NewFromFloat(100 + rng.Float64()*900)
		out = append(out, bars.Bar{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: ts,
			Open:      open.Round(8),
			High:      high.Round(8),
			Low:       low.Round(8),
			Close:     closePx.Round(8),
			Volume:    volume.Round(8),
		})
		price = closePx
	}
	return out, nil
}

// LatestQuote returns the symbol's current top of book.
func (v *SimVenue) LatestQuote(_ context.Context, symbol string) (Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sym, ok := v.symbols[symbol]
	if !ok {
		return Quote{}, errs.New("exchange/sim", errs.CodeNotFound, errs.WithMessage("symbol "+symbol))
	}
	return sym.quote, nil
}

// ListPositions reports the venue-side positions accumulated from fills.
func (v *SimVenue) ListPositions(_ context.Context) ([]PositionView, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]PositionView, 0, len(v.positions))
	for _, pos := range v.positions {
		out = append(out, pos)
	}
	return out, nil
}

// Fills streams execution events.
func (v *SimVenue) Fills() <-chan FillEvent { return v.fills }

// Close stops the venue and closes the fill stream.
func (v *SimVenue) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	close(v.fills)
	return nil
}

func (o *restingOrder) view() OrderView {
	return OrderView{
		ExchangeOrderID: o.exchangeOrderID,
		Status:          o.status,
		FilledQty:       o.filledQty,
		FilledAvgPrice:  o.filledAvgPrice,
		RejectReason:    o.rejectReason,
	}
}

func (v *SimVenue) matchRestingLocked(symbol string) {
	sym := v.symbols[symbol]
	for _, ord := range v.resting {
		if ord.intent.Symbol != symbol {
			continue
		}
		if ord.status == orders.StatusAccepted || ord.status == orders.StatusPartiallyFilled {
			v.tryFillLocked(ord, sym.quote)
		}
	}
}

// tryFillLocked fills the order if the quote makes it marketable. The sim
// venue always fills the full remaining quantity at one price.
func (v *SimVenue) tryFillLocked(ord *restingOrder, quote Quote) {
	var price decimal.Decimal
	intent := ord.intent
	switch intent.OrderType {
	case orders.TypeMarket:
		price = quote.Ask
		if intent.Side == orders.SideSell {
			price = quote.Bid
		}
	case orders.TypeLimit:
		if intent.Side == orders.SideBuy {
			if quote.Ask.GreaterThan(*intent.LimitPrice) {
				return
			}
			price = decimal.Min(quote.Ask, *intent.LimitPrice)
		} else {
			if quote.Bid.LessThan(*intent.LimitPrice) {
				return
			}
			price = decimal.Max(quote.Bid, *intent.LimitPrice)
		}
	case orders.TypeStop:
		if intent.Side == orders.SideBuy {
			if quote.Ask.LessThan(*intent.StopPrice) {
				return
			}
			price = quote.Ask
		} else {
			if quote.Bid.GreaterThan(*intent.StopPrice) {
				return
			}
			price = quote.Bid
		}
	default:
		ord.status = orders.StatusRejected
		ord.rejectReason = "unsupported order type " + string(intent.OrderType)
		return
	}

	qty := intent.Qty.Sub(ord.filledQty)
	if !qty.IsPositive() {
		return
	}
	ord.filledQty = intent.Qty
	ord.filledAvgPrice = &price
	ord.status = orders.StatusFilled
	v.applyPositionLocked(intent, qty, price)

	commission := price.Mul(qty).Mul(v.commissionBps).Div(decimal.NewFromInt(10000))
	event := FillEvent{
		ExchangeOrderID: ord.exchangeOrderID,
		FillID:          "fill-" + uuid.NewString(),
		Qty:             qty,
		Price:           price,
		Commission:      commission,
		TS:              quote.TS,
	}
	select {
	case v.fills <- event:
	default:
		// Slow consumers drop the push; they reconcile through GetOrder.
	}
}

func (v *SimVenue) applyPositionLocked(intent orders.Intent, qty, price decimal.Decimal) {
	pos := v.positions[intent.Symbol]
	pos.Symbol = intent.Symbol
	signed := qty.Mul(intent.Side.Sign())
	newQty := pos.Qty.Add(signed)
	switch {
	case newQty.IsZero():
		delete(v.positions, intent.Symbol)
		return
	case pos.Qty.IsZero() || pos.Qty.Sign() != newQty.Sign():
		pos.AvgEntry = price
	case pos.Qty.Sign() == signed.Sign():
		notional := pos.AvgEntry.Mul(pos.Qty.Abs()).Add(price.Mul(qty))
		pos.AvgEntry = notional.Div(newQty.Abs())
	}
	pos.Qty = newQty
	v.positions[intent.Symbol] = pos
}

var _ Adapter = (*SimVenue)(nil)
