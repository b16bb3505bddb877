// Package live executes order flow against a real venue adapter and answers
// market data requests for live and paper runs.
package live

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/clock"
	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/exchange"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// Config tunes the live execution service.
type Config struct {
	// PlaceTimeout bounds one submission round trip to the venue.
	PlaceTimeout time.Duration
	// CancelTimeout bounds one cancellation round trip.
	CancelTimeout time.Duration
	// SubmitPerSecond rate-limits venue submissions.
	SubmitPerSecond float64
	SubmitBurst     int
	// MaxSubmitRetries bounds retry attempts on transient submit failures.
	MaxSubmitRetries uint
}

func (c Config) normalize() Config {
	if c.PlaceTimeout <= 0 {
		c.PlaceTimeout = 60 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 30 * time.Second
	}
	if c.SubmitPerSecond <= 0 {
		c.SubmitPerSecond = 10
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 5
	}
	if c.MaxSubmitRetries == 0 {
		c.MaxSubmitRetries = 3
	}
	return c
}

// Service is the execution gateway between routed commands and the venue.
// Placement is idempotent on (run id, client order id): replays return the
// existing order without touching the venue again.
type Service struct {
	cfg       Config
	log       *eventlog.Log
	adapter   exchange.Adapter
	orders    orders.Store
	bars      bars.Store
	runs      runs.Store
	positions *PositionTracker
	limiter   *rate.Limiter

	mu        sync.Mutex
	byExchID  map[string]string // exchange order id -> local order id
	inFlight  map[string]chan struct{}
	subs      []eventlog.SubscriptionID
	cancel    context.CancelFunc
	fillsDone chan struct{}

	// fillMu serializes everything that folds executions into order state:
	// the stream consumer and submission-time snapshot reconciliation.
	fillMu sync.Mutex
}

// NewService constructs the live execution service.
func NewService(log *eventlog.Log, adapter exchange.Adapter, orderStore orders.Store, barStore bars.Store, runStore runs.Store, cfg Config) *Service {
	cfg = cfg.normalize()
	return &Service{
		cfg:       cfg,
		log:       log,
		adapter:   adapter,
		orders:    orderStore,
		bars:      barStore,
		runs:      runStore,
		positions: NewPositionTracker(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.SubmitPerSecond), cfg.SubmitBurst),
		byExchID:  make(map[string]string),
		inFlight:  make(map[string]chan struct{}),
		fillsDone: make(chan struct{}),
	}
}

// Positions exposes the service's position tracker.
func (s *Service) Positions() *PositionTracker { return s.positions }

// Start subscribes to routed live commands and begins fill ingestion.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.subs = append(s.subs,
		s.log.SubscribeFiltered([]string{
			string(schema.TypeLivePlaceOrder),
			string(schema.TypeLiveCancelOrder),
			string(schema.TypeLiveFetchWindow),
		}, s.handleCommand, nil))
	go s.consumeFills(ctx)
}

// Stop unsubscribes and waits for fill ingestion to drain.
func (s *Service) Stop() {
	for _, id := range s.subs {
		s.log.Unsubscribe(id)
	}
	s.subs = nil
	if s.cancel != nil {
		s.cancel()
	}
	<-s.fillsDone
}

func (s *Service) handleCommand(ctx context.Context, rec outbox.Record) error {
	env := rec.Envelope
	switch env.Type {
	case schema.TypeLivePlaceOrder:
		var payload schema.PlaceOrderPayload
		if err := env.DecodePayload(&payload); err != nil {
			return err
		}
		intent, err := orders.IntentFromPayload(env.RunID, payload)
		if err != nil {
			return err
		}
		_, err = s.place(ctx, intent, &env)
		return err
	case schema.TypeLiveCancelOrder:
		var payload schema.CancelOrderPayload
		if err := env.DecodePayload(&payload); err != nil {
			return err
		}
		return s.cancelOrder(ctx, env.RunID, payload.ClientOrderID, &env)
	case schema.TypeLiveFetchWindow:
		return s.fetchWindow(ctx, env)
	}
	return nil
}

// PlaceOrder submits a fresh order for the intent, or returns the existing
// order when the idempotency key was seen before.
func (s *Service) PlaceOrder(ctx context.Context, intent orders.Intent) (orders.State, error) {
	return s.place(ctx, intent, nil)
}

func (s *Service) place(ctx context.Context, intent orders.Intent, source *schema.Envelope) (orders.State, error) {
	const op = "live/place"
	if !s.adapter.Connected() {
		return orders.State{}, errs.New(op, errs.CodeNotConnected,
			errs.WithMessage("venue "+s.adapter.Name()+" not connected"))
	}
	if err := intent.Validate(); err != nil {
		return orders.State{}, err
	}
	if intent.OrderType == orders.TypeStopLimit {
		return orders.State{}, errs.New(op, errs.CodeValidation,
			errs.WithMessage("stop_limit orders are not supported"))
	}

	// Serialize racing placements on the same key; the loser observes the
	// winner's row and returns it as a replay.
	release, winner := s.claimKey(intent.RunID, intent.ClientOrderID)
	if !winner {
		<-release
	} else {
		defer close(release)
	}

	if existing, err := s.orders.GetByClientOrderID(ctx, intent.RunID, intent.ClientOrderID); err == nil {
		observability.Log().Info("order placement replayed",
			observability.F("run_id", intent.RunID),
			observability.F("client_order_id", intent.ClientOrderID))
		return existing, nil
	} else if !errs.IsCode(err, errs.CodeNotFound) {
		return orders.State{}, err
	}

	now := time.Now().UTC()
	state := orders.State{
		ID:            uuid.NewString(),
		RunID:         intent.RunID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		OrderType:     intent.OrderType,
		Qty:           intent.Qty,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		TimeInForce:   intent.TimeInForce,
		Status:        orders.StatusSubmitting,
		CreatedAt:     now,
	}
	if err := s.orders.Create(ctx, state); err != nil {
		if errs.IsCode(err, errs.CodeIdempotencyReplay) {
			return s.orders.GetByClientOrderID(ctx, intent.RunID, intent.ClientOrderID)
		}
		return orders.State{}, err
	}

	view, err := s.submit(ctx, intent)
	if err != nil {
		state.Status = orders.StatusRejected
		state.ErrorCode = string(errs.CodeOf(err))
		state.RejectReason = err.Error()
		if uerr := s.orders.Update(ctx, state); uerr != nil {
			observability.Log().Error("persist rejection failed",
				observability.F("order_id", state.ID), observability.F("error", uerr))
		}
		s.emitOrderEvent(ctx, schema.TypeOrdersRejected, state, source)
		return orders.State{}, errs.New(op, errs.CodeRejected,
			errs.WithMessage("venue rejected "+intent.ClientOrderID), errs.WithCause(err))
	}

	submittedAt := time.Now().UTC()
	state.ExchangeOrderID = view.ExchangeOrderID
	state.SubmittedAt = &submittedAt
	state.Status = orders.StatusSubmitted
	if view.Status == orders.StatusAccepted || view.Status == orders.StatusFilled || view.Status == orders.StatusPartiallyFilled {
		state.Status = orders.StatusAccepted
	}
	if err := s.orders.Update(ctx, state); err != nil {
		return orders.State{}, err
	}

	s.mu.Lock()
	s.byExchID[view.ExchangeOrderID] = state.ID
	s.mu.Unlock()

	s.emitOrderEvent(ctx, schema.TypeOrdersCreated, state, source)

	// The venue can execute a marketable order inside the submission round
	// trip. Fold that execution in from the venue's snapshot now instead of
	// waiting on the stream, which may drop pushes under pressure.
	if view.Status == orders.StatusFilled || view.Status == orders.StatusPartiallyFilled {
		return s.reconcile(ctx, state.ID, source)
	}
	return state, nil
}

// reconcile queries the venue for the order's authoritative snapshot and
// records any execution the fill stream has not delivered yet.
func (s *Service) reconcile(ctx context.Context, orderID string, source *schema.Envelope) (orders.State, error) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()

	state, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return orders.State{}, err
	}
	view, err := s.adapter.GetOrder(ctx, state.ExchangeOrderID)
	if err != nil {
		return orders.State{}, errs.New("live/reconcile", errs.CodeUnavailable,
			errs.WithMessage("venue order query"), errs.WithCause(err))
	}
	delta := view.FilledQty.Sub(state.FilledQty)
	if !delta.IsPositive() {
		// The stream won the race; local state already reflects the venue.
		return state, nil
	}

	// Back out the per-unit price of the unseen slice from the venue's
	// running average.
	price := decimal.Zero
	if view.FilledAvgPrice != nil {
		seen := decimal.Zero
		if state.FilledAvgPrice != nil {
			seen = state.FilledAvgPrice.Mul(state.FilledQty)
		}
		price = view.FilledAvgPrice.Mul(view.FilledQty).Sub(seen).Div(delta)
	}
	fill := orders.Fill{
		// Deterministic id keyed on the cumulative quantity, so retrying the
		// same snapshot cannot record the slice twice.
		ID:      state.ID + "-snap-" + view.FilledQty.String(),
		OrderID: state.ID,
		Qty:     delta,
		Price:   price,
		// The snapshot carries no fee breakdown; commission stays zero here
		// and is reported only on streamed executions.
		Timestamp: time.Now().UTC(),
	}
	if err := s.orders.RecordFill(ctx, fill); err != nil {
		return orders.State{}, err
	}
	state.ApplyFill(fill)
	if err := s.orders.Update(ctx, state); err != nil {
		return orders.State{}, err
	}
	s.positions.ApplyFill(state.Symbol, state.Side, fill.Qty, fill.Price)
	if err := s.emitFill(ctx, state, fill, source); err != nil {
		return orders.State{}, err
	}
	return state, nil
}

func (s *Service) claimKey(runID, clientOrderID string) (chan struct{}, bool) {
	key := runID + "|" + clientOrderID
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.inFlight[key]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	s.inFlight[key] = ch
	go func() {
		<-ch
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}()
	return ch, true
}

// submit pushes the intent to the venue under the rate limit, retrying
// transient failures with exponential backoff inside the place timeout.
func (s *Service) submit(ctx context.Context, intent orders.Intent) (exchange.OrderView, error) {
	ctx, cancelTimeout := context.WithTimeout(ctx, s.cfg.PlaceTimeout)
	defer cancelTimeout()

	if err := s.limiter.Wait(ctx); err != nil {
		return exchange.OrderView{}, errs.New("live/submit", errs.CodeTimeout,
			errs.WithMessage("rate limit wait"), errs.WithCause(err))
	}

	operation := func() (exchange.OrderView, error) {
		view, err := s.adapter.SubmitOrder(ctx, intent)
		if err != nil {
			// Venue rejections are final; everything else is retryable.
			if errs.IsCode(err, errs.CodeRejected) || errs.IsCode(err, errs.CodeValidation) {
				return exchange.OrderView{}, backoff.Permanent(err)
			}
			return exchange.OrderView{}, err
		}
		return view, nil
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.cfg.MaxSubmitRetries))
}

// CancelOrder cancels an order by its idempotency key.
func (s *Service) CancelOrder(ctx context.Context, runID, clientOrderID string) error {
	return s.cancelOrder(ctx, runID, clientOrderID, nil)
}

func (s *Service) cancelOrder(ctx context.Context, runID, clientOrderID string, source *schema.Envelope) error {
	const op = "live/cancel"
	state, err := s.orders.GetByClientOrderID(ctx, runID, clientOrderID)
	if err != nil {
		return err
	}
	switch state.Status {
	case orders.StatusFilled, orders.StatusCancelled, orders.StatusRejected, orders.StatusExpired:
		return errs.New(op, errs.CodeIllegalTransition,
			errs.WithMessage("cancel "+string(state.Status)+" order "+clientOrderID))
	}

	cancelCtx, cancelTimeout := context.WithTimeout(ctx, s.cfg.CancelTimeout)
	defer cancelTimeout()
	if state.ExchangeOrderID != "" {
		if err := s.adapter.CancelOrder(cancelCtx, state.ExchangeOrderID); err != nil {
			if errs.IsCode(err, errs.CodeIllegalTransition) {
				// Raced a fill at the venue; reconcile through the fill stream.
				observability.Log().Warn("cancel raced terminal venue state",
					observability.F("order_id", state.ID))
				return err
			}
			return errs.New(op, errs.CodeUnavailable,
				errs.WithMessage("venue cancel failed"), errs.WithCause(err))
		}
	}

	now := time.Now().UTC()
	state.Status = orders.StatusCancelled
	state.CancelledAt = &now
	if err := s.orders.Update(ctx, state); err != nil {
		return err
	}
	s.emitOrderEvent(ctx, schema.TypeOrdersCancelled, state, source)
	return nil
}

// GetOrder returns the order for the idempotency key.
func (s *Service) GetOrder(ctx context.Context, runID, clientOrderID string) (orders.State, error) {
	return s.orders.GetByClientOrderID(ctx, runID, clientOrderID)
}

// ListOrders returns every order placed within the run.
func (s *Service) ListOrders(ctx context.Context, runID string) ([]orders.State, error) {
	return s.orders.ListByRun(ctx, runID)
}

// fetchWindow answers a routed window request: read the repository, backfill
// the shortfall from the venue, and publish the window.
func (s *Service) fetchWindow(ctx context.Context, env schema.Envelope) error {
	var payload schema.FetchWindowPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	run, err := s.runs.Get(ctx, env.RunID)
	if err != nil {
		return err
	}
	tf, err := clock.ParseTimeframe(run.Timeframe)
	if err != nil {
		return err
	}
	asOf := time.Now().UTC()
	if payload.AsOf != nil {
		asOf = payload.AsOf.UTC()
	}

	window, err := s.bars.Latest(ctx, payload.Symbol, run.Timeframe, payload.Lookback, asOf)
	if err != nil {
		return err
	}
	if len(window) < payload.Lookback {
		start := asOf.Add(-time.Duration(payload.Lookback+1) * tf.Duration())
		fetched, err := s.adapter.GetBars(ctx, payload.Symbol, run.Timeframe, start, asOf)
		if err != nil {
			return errs.New("live/fetch-window", errs.CodeUnavailable,
				errs.WithMessage("venue history fetch"), errs.WithCause(err))
		}
		if _, err := s.bars.Upsert(ctx, fetched); err != nil {
			return err
		}
		if window, err = s.bars.Latest(ctx, payload.Symbol, run.Timeframe, payload.Lookback, asOf); err != nil {
			return err
		}
	}

	ready := schema.WindowReadyPayload{Symbol: payload.Symbol, Bars: make([]schema.BarPayload, 0, len(window))}
	for _, bar := range window {
		ready.Bars = append(ready.Bars, bar.ToPayload())
	}
	event, err := schema.Derive(env, schema.KindEvent, schema.TypeDataWindowReady, schema.ProducerLiveService, ready)
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, event)
	return err
}

// consumeFills folds venue executions into order state and positions.
func (s *Service) consumeFills(ctx context.Context) {
	defer close(s.fillsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.adapter.Fills():
			if !ok {
				return
			}
			if err := s.applyFill(ctx, event); err != nil {
				observability.Log().Error("fill ingestion failed",
					observability.F("exchange_order_id", event.ExchangeOrderID),
					observability.F("error", err))
			}
		}
	}
}

func (s *Service) applyFill(ctx context.Context, event exchange.FillEvent) error {
	orderID, err := s.resolveOrderID(ctx, event.ExchangeOrderID)
	if err != nil {
		return err
	}

	s.fillMu.Lock()
	defer s.fillMu.Unlock()

	state, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if state.FilledQty.Add(event.Qty).GreaterThan(state.Qty) {
		// Submission-time reconciliation already folded this execution in; a
		// slice that would overfill the order is that snapshot's duplicate.
		return nil
	}

	fill := orders.Fill{
		ID:         event.FillID,
		OrderID:    state.ID,
		Qty:        event.Qty,
		Price:      event.Price,
		Commission: event.Commission,
		Timestamp:  event.TS,
	}
	if err := s.orders.RecordFill(ctx, fill); err != nil {
		return err
	}
	state.ApplyFill(fill)
	if err := s.orders.Update(ctx, state); err != nil {
		return err
	}
	s.positions.ApplyFill(state.Symbol, state.Side, event.Qty, event.Price)
	return s.emitFill(ctx, state, fill, nil)
}

func (s *Service) emitFill(ctx context.Context, state orders.State, fill orders.Fill, source *schema.Envelope) error {
	payload := schema.FillPayload{
		OrderID:       state.ID,
		ClientOrderID: state.ClientOrderID,
		Symbol:        state.Symbol,
		Side:          string(state.Side),
		Qty:           fill.Qty.String(),
		Price:         fill.Price.String(),
		Commission:    fill.Commission.String(),
		Timestamp:     fill.Timestamp,
	}
	var (
		env schema.Envelope
		err error
	)
	if source != nil {
		env, err = schema.Derive(*source, schema.KindEvent, schema.TypeOrdersFilled, schema.ProducerLiveService, payload)
	} else {
		env, err = schema.New(schema.KindEvent, schema.TypeOrdersFilled, schema.ProducerLiveService, payload,
			schema.WithRunID(state.RunID))
	}
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, env)
	return err
}

// resolveOrderID maps a venue order id back to the local order. A fill can
// arrive before the placing goroutine has registered the mapping, so misses
// are retried briefly before giving up.
func (s *Service) resolveOrderID(ctx context.Context, exchangeOrderID string) (string, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		orderID, ok := s.byExchID[exchangeOrderID]
		s.mu.Unlock()
		if ok {
			return orderID, nil
		}
		if time.Now().After(deadline) {
			return "", errs.New("live/fills", errs.CodeNotFound,
				errs.WithMessage("no local order for venue id "+exchangeOrderID))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SyncPositions replaces local exposure with the venue's view.
func (s *Service) SyncPositions(ctx context.Context) error {
	views, err := s.adapter.ListPositions(ctx)
	if err != nil {
		return errs.New("live/positions", errs.CodeUnavailable,
			errs.WithMessage("venue position sync"), errs.WithCause(err))
	}
	s.positions.SyncFromExchange(views)
	return nil
}

func (s *Service) emitOrderEvent(ctx context.Context, typ schema.Type, state orders.State, source *schema.Envelope) {
	payload := state.ToPayload()
	var (
		env schema.Envelope
		err error
	)
	if source != nil {
		env, err = schema.Derive(*source, schema.KindEvent, typ, schema.ProducerLiveService, payload)
	} else {
		env, err = schema.New(schema.KindEvent, typ, schema.ProducerLiveService, payload,
			schema.WithRunID(state.RunID))
	}
	if err == nil {
		_, err = s.log.Append(ctx, env)
	}
	if err != nil {
		observability.Log().Error("order event emit failed",
			observability.F("event_type", string(typ)),
			observability.F("order_id", state.ID),
			observability.F("error", err))
	}
}
