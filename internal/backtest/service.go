// Package backtest executes routed strategy intents against historical bars
// under simulated time, producing fills, an equity curve, and summary stats.
package backtest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// Config tunes one backtest service instance.
type Config struct {
	InitialCash decimal.Decimal
	FillModel   FillModel
}

func (c Config) normalize() Config {
	if c.InitialCash.IsZero() {
		c.InitialCash = decimal.NewFromInt(100000)
	}
	if c.FillModel == (FillModel{}) {
		c.FillModel = DefaultFillModel()
	}
	return c
}

// EquityPoint is one mark-to-market sample of the simulated account.
type EquityPoint struct {
	TS     time.Time
	Cash   decimal.Decimal
	Equity decimal.Decimal
}

type position struct {
	qty      decimal.Decimal
	avgEntry decimal.Decimal
}

// pendingOrder keeps the placing command alongside the order state so the
// eventual fill event stays on the strategy's correlation chain.
type pendingOrder struct {
	state  orders.State
	source schema.Envelope
}

// Service simulates execution for exactly one backtest run. It consumes the
// routed backtest.* commands for its run and fills pending orders when the
// orchestrator advances simulated time past each bar.
type Service struct {
	run   runs.Run
	cfg   Config
	log   *eventlog.Log
	bars  bars.Store
	store orders.Store

	mu        sync.Mutex
	simNow    time.Time
	pending   map[string]pendingOrder // order id -> pending order
	positions map[string]*position
	lastPrice map[string]decimal.Decimal
	cash      decimal.Decimal
	equity    []EquityPoint

	fills           []orders.Fill
	fillSides       []orders.Side
	fillSymbols     []string
	totalCommission decimal.Decimal
	totalSlippage   decimal.Decimal

	subs []eventlog.SubscriptionID
}

// NewService constructs a backtest service for the run.
func NewService(run runs.Run, log *eventlog.Log, barStore bars.Store, orderStore orders.Store, cfg Config) *Service {
	cfg = cfg.normalize()
	s := &Service{
		run:       run,
		cfg:       cfg,
		log:       log,
		bars:      barStore,
		store:     orderStore,
		pending:   make(map[string]pendingOrder),
		positions: make(map[string]*position),
		lastPrice: make(map[string]decimal.Decimal),
		cash:      cfg.InitialCash,
	}
	if run.Start != nil {
		s.simNow = run.Start.UTC()
	}
	return s
}

// Start subscribes to the run's routed backtest commands.
func (s *Service) Start() {
	s.subs = append(s.subs,
		s.log.SubscribeFiltered([]string{
			string(schema.TypeBacktestFetchWindow),
			string(schema.TypeBacktestPlaceOrder),
		}, s.handleCommand, eventlog.RunFilter(s.run.ID)))
}

// Stop unsubscribes from the log.
func (s *Service) Stop() {
	for _, id := range s.subs {
		s.log.Unsubscribe(id)
	}
	s.subs = nil
}

func (s *Service) handleCommand(ctx context.Context, rec outbox.Record) error {
	switch rec.Envelope.Type {
	case schema.TypeBacktestFetchWindow:
		return s.fetchWindow(ctx, rec.Envelope)
	case schema.TypeBacktestPlaceOrder:
		return s.placeOrder(ctx, rec.Envelope)
	}
	return nil
}

// fetchWindow answers a window request from the repository, bounded at
// simulated time so a strategy can never see the future.
func (s *Service) fetchWindow(ctx context.Context, env schema.Envelope) error {
	var payload schema.FetchWindowPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	asOf := s.simNow
	s.mu.Unlock()
	if payload.AsOf != nil && payload.AsOf.Before(asOf) {
		asOf = payload.AsOf.UTC()
	}

	window, err := s.bars.Latest(ctx, payload.Symbol, s.run.Timeframe, payload.Lookback, asOf)
	if err != nil {
		return err
	}
	ready := schema.WindowReadyPayload{Symbol: payload.Symbol, Bars: make([]schema.BarPayload, 0, len(window))}
	for _, bar := range window {
		ready.Bars = append(ready.Bars, bar.ToPayload())
	}
	event, err := schema.Derive(env, schema.KindEvent, schema.TypeDataWindowReady, schema.ProducerBacktest, ready,
		schema.WithTS(asOf))
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, event)
	return err
}

// placeOrder registers a pending order. Fills happen when simulated time
// advances past the next bar, never inside the placing cascade.
func (s *Service) placeOrder(ctx context.Context, env schema.Envelope) error {
	var payload schema.PlaceOrderPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	intent, err := orders.IntentFromPayload(s.run.ID, payload)
	if err != nil {
		return s.reject(ctx, env, payload, err)
	}
	if intent.OrderType == orders.TypeStopLimit {
		return s.reject(ctx, env, payload, errs.New("backtest/place", errs.CodeValidation,
			errs.WithMessage("stop_limit orders are not supported")))
	}

	if existing, err := s.store.GetByClientOrderID(ctx, s.run.ID, intent.ClientOrderID); err == nil {
		observability.Log().Info("backtest order replayed",
			observability.F("run_id", s.run.ID),
			observability.F("client_order_id", existing.ClientOrderID))
		return nil
	} else if !errs.IsCode(err, errs.CodeNotFound) {
		return err
	}

	s.mu.Lock()
	now := s.simNow
	s.mu.Unlock()
	state := orders.State{
		ID:            uuid.NewString(),
		RunID:         s.run.ID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		OrderType:     intent.OrderType,
		Qty:           intent.Qty,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		TimeInForce:   intent.TimeInForce,
		Status:        orders.StatusAccepted,
		CreatedAt:     now,
	}
	if err := s.store.Create(ctx, state); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending[state.ID] = pendingOrder{state: state, source: env}
	s.mu.Unlock()

	event, err := schema.Derive(env, schema.KindEvent, schema.TypeOrdersCreated, schema.ProducerBacktest,
		state.ToPayload(), schema.WithTS(now))
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, event)
	return err
}

func (s *Service) reject(ctx context.Context, env schema.Envelope, payload schema.PlaceOrderPayload, cause error) error {
	s.mu.Lock()
	now := s.simNow
	s.mu.Unlock()
	rejected := schema.OrderPayload{
		ClientOrderID: payload.ClientOrderID,
		Symbol:        payload.Symbol,
		Side:          payload.Side,
		OrderType:     payload.OrderType,
		Qty:           payload.Qty,
		Status:        string(orders.StatusRejected),
		FilledQty:     "0",
		CreatedAt:     now,
		ErrorCode:     string(errs.CodeOf(cause)),
		RejectReason:  cause.Error(),
	}
	event, err := schema.Derive(env, schema.KindEvent, schema.TypeOrdersRejected, schema.ProducerBacktest,
		rejected, schema.WithTS(now))
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, event)
	return err
}

// AdvanceTo moves simulated time to ts, fills pending orders against the bar
// closing at ts, and marks the account to market.
func (s *Service) AdvanceTo(ctx context.Context, ts time.Time) error {
	ts = ts.UTC()
	s.mu.Lock()
	s.simNow = ts
	pending := make([]pendingOrder, 0, len(s.pending))
	for _, p := range s.pending {
		pending = append(pending, p)
	}
	s.mu.Unlock()

	barsBySymbol := make(map[string]bars.Bar)
	for _, symbol := range s.run.Symbols {
		window, err := s.bars.Range(ctx, symbol, s.run.Timeframe, ts, ts)
		if err != nil {
			return err
		}
		if len(window) == 1 {
			barsBySymbol[symbol] = window[0]
			s.mu.Lock()
			s.lastPrice[symbol] = window[0].Close
			s.mu.Unlock()
		}
	}

	for _, p := range pending {
		state := p.state
		bar, ok := barsBySymbol[state.Symbol]
		if !ok {
			continue
		}
		intent := orders.Intent{
			RunID: state.RunID, ClientOrderID: state.ClientOrderID, Symbol: state.Symbol,
			Side: state.Side, OrderType: state.OrderType, Qty: state.Qty,
			LimitPrice: state.LimitPrice, StopPrice: state.StopPrice, TimeInForce: state.TimeInForce,
		}
		price, slipPerUnit, filled := s.cfg.FillModel.Evaluate(intent, bar)
		if !filled {
			continue
		}
		if err := s.fill(ctx, p, price, slipPerUnit, ts); err != nil {
			return err
		}
	}

	s.markToMarket(ts)
	return nil
}

func (s *Service) fill(ctx context.Context, p pendingOrder, price, slipPerUnit decimal.Decimal, ts time.Time) error {
	state := p.state
	notional := price.Mul(state.Qty)
	commission := s.cfg.FillModel.Commission(notional)
	slippage := slipPerUnit.Mul(state.Qty)

	fill := orders.Fill{
		ID:         "fill-" + uuid.NewString(),
		OrderID:    state.ID,
		Qty:        state.Qty,
		Price:      price,
		Commission: commission,
		Timestamp:  ts,
	}
	if err := s.store.RecordFill(ctx, fill); err != nil {
		return err
	}
	state.ApplyFill(fill)
	if err := s.store.Update(ctx, state); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.pending, state.ID)
	s.cash = s.cash.Sub(notional.Mul(state.Side.Sign())).Sub(commission)
	s.applyPositionLocked(state.Symbol, state.Side, state.Qty, price)
	s.fills = append(s.fills, fill)
	s.fillSides = append(s.fillSides, state.Side)
	s.fillSymbols = append(s.fillSymbols, state.Symbol)
	s.totalCommission = s.totalCommission.Add(commission)
	s.totalSlippage = s.totalSlippage.Add(slippage)
	s.mu.Unlock()

	payload := schema.FillPayload{
		OrderID:       state.ID,
		ClientOrderID: state.ClientOrderID,
		Symbol:        state.Symbol,
		Side:          string(state.Side),
		Qty:           fill.Qty.String(),
		Price:         fill.Price.String(),
		Commission:    commission.String(),
		Slippage:      slippage.String(),
		Timestamp:     ts,
	}
	// Derive from the placing command so the fill stays on the strategy's
	// correlation chain.
	env, err := schema.Derive(p.source, schema.KindEvent, schema.TypeOrdersFilled, schema.ProducerBacktest, payload,
		schema.WithTS(ts))
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, env)
	return err
}

func (s *Service) applyPositionLocked(symbol string, side orders.Side, qty, price decimal.Decimal) {
	pos, ok := s.positions[symbol]
	if !ok {
		pos = &position{}
		s.positions[symbol] = pos
	}
	signed := qty.Mul(side.Sign())
	newQty := pos.qty.Add(signed)
	switch {
	case newQty.IsZero():
		delete(s.positions, symbol)
		return
	case pos.qty.IsZero() || pos.qty.Sign() != newQty.Sign():
		pos.avgEntry = price
	case pos.qty.Sign() == signed.Sign():
		notional := pos.avgEntry.Mul(pos.qty.Abs()).Add(price.Mul(qty))
		pos.avgEntry = notional.Div(newQty.Abs())
	}
	pos.qty = newQty
}

// markToMarket appends one equity sample at bar close prices.
func (s *Service) markToMarket(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	equity := s.cash
	for symbol, pos := range s.positions {
		price, ok := s.lastPrice[symbol]
		if !ok {
			price = pos.avgEntry
		}
		equity = equity.Add(pos.qty.Mul(price))
	}
	s.equity = append(s.equity, EquityPoint{TS: ts, Cash: s.cash, Equity: equity})
}

// Equity returns a copy of the equity curve so far.
func (s *Service) Equity() []EquityPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EquityPoint(nil), s.equity...)
}

// Result summarises the finished run.
func (s *Service) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return computeResult(resultInput{
		runID:           s.run.ID,
		timeframe:       s.run.Timeframe,
		initialCash:     s.cfg.InitialCash,
		equity:          s.equity,
		fills:           s.fills,
		fillSides:       s.fillSides,
		fillSymbols:     s.fillSymbols,
		totalCommission: s.totalCommission,
		totalSlippage:   s.totalSlippage,
	})
}
