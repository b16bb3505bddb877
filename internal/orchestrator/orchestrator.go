// Package orchestrator owns the run lifecycle: it validates and persists
// runs, wires the per-run machinery (clock, runner, execution service) on
// start, and tears it down on stop, completion, or failure.
package orchestrator

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/backtest"
	"github.com/5TFG4/Weaver-sub000/internal/clock"
	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
	"github.com/5TFG4/Weaver-sub000/internal/runner"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
	"github.com/5TFG4/Weaver-sub000/internal/strategy"
)

// Config tunes orchestration.
type Config struct {
	// Backtest is applied to every backtest execution service.
	Backtest backtest.Config
}

// CreateParams describes a run to be created.
type CreateParams struct {
	StrategyID string
	Mode       runs.Mode
	Symbols    []string
	Timeframe  string
	Config     json.RawMessage
	Start      *time.Time
	End        *time.Time
}

type activeRun struct {
	run    runs.Run
	clk    clock.Clock
	runner *runner.Runner
	bt     *backtest.Service

	failMu  sync.Mutex
	failure error
}

func (a *activeRun) fail(err error) {
	a.failMu.Lock()
	if a.failure == nil {
		a.failure = err
	}
	a.failMu.Unlock()
}

func (a *activeRun) failed() error {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	return a.failure
}

// Orchestrator coordinates run lifecycles over the event log.
type Orchestrator struct {
	log    *eventlog.Log
	runs   runs.Store
	bars   bars.Store
	orders orders.Store
	cfg    Config

	mu      sync.Mutex
	active  map[string]*activeRun
	results map[string]backtest.Result

	subMu sync.Mutex
	subs  []eventlog.SubscriptionID

	activeGauge metric.Int64UpDownCounter
}

// New constructs an orchestrator over the shared stores.
func New(log *eventlog.Log, runStore runs.Store, barStore bars.Store, orderStore orders.Store, cfg Config) *Orchestrator {
	o := &Orchestrator{
		log:     log,
		runs:    runStore,
		bars:    barStore,
		orders:  orderStore,
		cfg:     cfg,
		active:  make(map[string]*activeRun),
		results: make(map[string]backtest.Result),
	}
	meter := otel.Meter("orchestrator")
	o.activeGauge, _ = meter.Int64UpDownCounter("orchestrator.runs.active",
		metric.WithDescription("Number of runs with live machinery in this process"),
		metric.WithUnit("{run}"))
	return o
}

func (o *Orchestrator) trackActive(active *activeRun) {
	o.mu.Lock()
	o.active[active.run.ID] = active
	o.mu.Unlock()
	o.activeGauge.Add(context.Background(), 1)
}

func (o *Orchestrator) untrackActive(id string) {
	o.mu.Lock()
	_, ok := o.active[id]
	delete(o.active, id)
	o.mu.Unlock()
	if ok {
		o.activeGauge.Add(context.Background(), -1)
	}
}

// Start subscribes to run.* lifecycle commands on the log.
func (o *Orchestrator) Start() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if len(o.subs) > 0 {
		return
	}
	o.subs = append(o.subs, o.log.SubscribeFiltered([]string{
		string(schema.TypeRunCreateRequest),
		string(schema.TypeRunStartRequest),
		string(schema.TypeRunStopRequest),
	}, o.handleCommand, nil))
}

// Stop unsubscribes and stops every active run.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.subMu.Lock()
	for _, id := range o.subs {
		o.log.Unsubscribe(id)
	}
	o.subs = nil
	o.subMu.Unlock()

	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		if err := o.StopRun(ctx, id); err != nil {
			observability.Log().Warn("stop run during shutdown failed",
				observability.F("run_id", id), observability.F("error", err))
		}
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, rec outbox.Record) error {
	var payload schema.RunPayload
	if err := rec.Envelope.DecodePayload(&payload); err != nil {
		return err
	}
	switch rec.Envelope.Type {
	case schema.TypeRunCreateRequest:
		_, err := o.createRun(ctx, CreateParams{
			StrategyID: payload.StrategyID,
			Mode:       runs.Mode(payload.Mode),
			Symbols:    payload.Symbols,
			Timeframe:  payload.Timeframe,
			Start:      payload.Start,
			End:        payload.End,
		}, &rec.Envelope)
		return err
	case schema.TypeRunStartRequest:
		return o.startRun(ctx, payload.RunID, &rec.Envelope)
	case schema.TypeRunStopRequest:
		return o.stopRun(ctx, payload.RunID, &rec.Envelope)
	}
	return nil
}

// CreateRun validates the parameters, persists a pending run, and emits
// run.Created.
func (o *Orchestrator) CreateRun(ctx context.Context, params CreateParams) (runs.Run, error) {
	return o.createRun(ctx, params, nil)
}

func (o *Orchestrator) createRun(ctx context.Context, params CreateParams, source *schema.Envelope) (runs.Run, error) {
	if err := validateParams(params); err != nil {
		return runs.Run{}, err
	}
	if _, err := strategy.New(params.StrategyID); err != nil {
		return runs.Run{}, err
	}
	run := runs.Run{
		ID:         uuid.NewString(),
		StrategyID: params.StrategyID,
		Mode:       params.Mode,
		Symbols:    append([]string(nil), params.Symbols...),
		Timeframe:  params.Timeframe,
		Config:     params.Config,
		Start:      params.Start,
		End:        params.End,
		Status:     runs.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return runs.Run{}, err
	}
	o.emitRunEvent(ctx, schema.TypeRunCreated, run, "", source)
	return run, nil
}

// StartRun wires the per-run machinery and begins ticking. Only pending runs
// can start.
func (o *Orchestrator) StartRun(ctx context.Context, id string) error {
	return o.startRun(ctx, id, nil)
}

func (o *Orchestrator) startRun(ctx context.Context, id string, source *schema.Envelope) error {
	run, err := o.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !run.Status.CanTransition(runs.StatusRunning) {
		return errs.New("orchestrator/start", errs.CodeIllegalTransition,
			errs.WithMessage("run "+id+" is "+string(run.Status)))
	}

	active, err := o.wire(ctx, run)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := o.runs.UpdateStatus(ctx, run.ID, runs.StatusUpdate{
		Status:    runs.StatusRunning,
		StartedAt: &now,
	}); err != nil {
		o.teardown(ctx, active)
		return err
	}
	run.Status = runs.StatusRunning
	run.StartedAt = &now
	active.run = run
	o.trackActive(active)

	o.emitRunEvent(ctx, schema.TypeRunStarted, run, "", source)
	return o.launch(active)
}

// wire builds the per-run machinery and starts the runner, without touching
// run status.
func (o *Orchestrator) wire(ctx context.Context, run runs.Run) (*activeRun, error) {
	timeframe, err := clock.ParseTimeframe(run.Timeframe)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.New(run.StrategyID)
	if err != nil {
		return nil, err
	}

	active := &activeRun{run: run, runner: runner.New(o.log, run, strat)}
	switch run.Mode {
	case runs.ModeBacktest:
		if err := o.wireBacktest(active, timeframe); err != nil {
			return nil, err
		}
	default:
		clk := clock.NewRealtimeClock(run.ID, timeframe)
		clk.OnTick(active.runner.HandleTick)
		active.clk = clk
	}

	if err := active.runner.Start(ctx); err != nil {
		return nil, err
	}
	return active, nil
}

// launch starts the clock and the terminal-state watcher. The tick loop is
// detached from the caller: the run outlives the request, and the caller may
// be a dispatch callback whose context must not leak into the clock goroutine.
func (o *Orchestrator) launch(active *activeRun) error {
	runCtx := context.Background()
	if err := active.clk.Start(runCtx); err != nil {
		o.untrackActive(active.run.ID)
		o.teardown(runCtx, active)
		return err
	}
	go o.watch(runCtx, active)
	return nil
}

func (o *Orchestrator) wireBacktest(active *activeRun, timeframe clock.Timeframe) error {
	run := active.run
	active.bt = backtest.NewService(run, o.log, o.bars, o.orders, o.cfg.Backtest)
	clk, err := clock.NewBacktestClock(run.ID, timeframe, *run.Start, *run.End)
	if err != nil {
		return err
	}
	// The service fills pending orders only after the tick's whole event
	// cascade has drained, so an order placed on bar N can never see bar N's
	// own fill during placement.
	clk.OnTick(func(ctx context.Context, tick clock.Tick) {
		active.runner.HandleTick(ctx, tick)
		if err := active.bt.AdvanceTo(ctx, tick.TS); err != nil {
			active.fail(err)
			clk.Stop()
		}
	})
	active.bt.Start()
	active.clk = clk
	return nil
}

// watch waits for the clock to exit and settles the run's terminal state.
func (o *Orchestrator) watch(ctx context.Context, active *activeRun) {
	active.clk.Wait()

	o.mu.Lock()
	_, still := o.active[active.run.ID]
	o.mu.Unlock()
	if !still {
		// StopRun already settled the run.
		return
	}

	if err := active.failed(); err != nil {
		o.finish(ctx, active, runs.StatusFailed, err.Error(), nil)
		return
	}
	if bt, ok := active.clk.(*clock.BacktestClock); ok && bt.IsComplete() {
		o.finish(ctx, active, runs.StatusCompleted, "", nil)
		return
	}
	o.finish(ctx, active, runs.StatusStopped, "", nil)
}

// StopRun halts a running run. Stopping an already terminal run is a no-op.
func (o *Orchestrator) StopRun(ctx context.Context, id string) error {
	return o.stopRun(ctx, id, nil)
}

func (o *Orchestrator) stopRun(ctx context.Context, id string, source *schema.Envelope) error {
	run, err := o.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	o.mu.Lock()
	active, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		if run.Status.CanTransition(runs.StatusStopped) {
			return o.transition(ctx, run, runs.StatusStopped, "", source)
		}
		return nil
	}
	return o.finish(ctx, active, runs.StatusStopped, "", source)
}

// finish settles a run's terminal state exactly once: the status transition
// is the gate, so racing settlers collapse to one winner.
func (o *Orchestrator) finish(ctx context.Context, active *activeRun, status runs.Status, errMsg string, source *schema.Envelope) error {
	o.untrackActive(active.run.ID)

	o.teardown(ctx, active)

	if active.bt != nil {
		o.mu.Lock()
		o.results[active.run.ID] = active.bt.Result()
		o.mu.Unlock()
	}

	run, err := o.runs.Get(ctx, active.run.ID)
	if err != nil {
		return err
	}
	if !run.Status.CanTransition(status) {
		return nil
	}
	return o.transition(ctx, run, status, errMsg, source)
}

func (o *Orchestrator) transition(ctx context.Context, run runs.Run, status runs.Status, errMsg string, source *schema.Envelope) error {
	now := time.Now().UTC()
	if err := o.runs.UpdateStatus(ctx, run.ID, runs.StatusUpdate{
		Status:    status,
		StoppedAt: &now,
	}); err != nil {
		return err
	}
	run.Status = status
	run.StoppedAt = &now

	typ := schema.TypeRunStopped
	switch status {
	case runs.StatusCompleted:
		typ = schema.TypeRunCompleted
	case runs.StatusFailed:
		typ = schema.TypeRunFailed
	}
	o.emitRunEvent(ctx, typ, run, errMsg, source)
	return nil
}

func (o *Orchestrator) teardown(ctx context.Context, active *activeRun) {
	active.clk.Stop()
	active.clk.Wait()
	if err := active.runner.Stop(ctx); err != nil {
		observability.Log().Warn("runner stop failed",
			observability.F("run_id", active.run.ID), observability.F("error", err))
	}
	if active.bt != nil {
		active.bt.Stop()
	}
}

// Result returns the backtest summary for a run driven by this process.
// Live runs have no result.
func (o *Orchestrator) Result(id string) (backtest.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if active, ok := o.active[id]; ok && active.bt != nil {
		return active.bt.Result(), nil
	}
	if result, ok := o.results[id]; ok {
		return result, nil
	}
	return backtest.Result{}, errs.New("orchestrator/result", errs.CodeNotFound,
		errs.WithMessage("no backtest state for run "+id))
}

// Progress reports the replayed fraction of a backtest run in [0, 1].
func (o *Orchestrator) Progress(id string) (float64, error) {
	o.mu.Lock()
	active, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return 0, errs.New("orchestrator/progress", errs.CodeNotFound,
			errs.WithMessage("run "+id+" is not active"))
	}
	if bt, ok := active.clk.(*clock.BacktestClock); ok {
		return bt.Progress(), nil
	}
	return 0, nil
}

// RecoverInterrupted sweeps runs left running by a previous process: live and
// paper runs get their machinery rebuilt and keep ticking, while backtests
// are marked failed since their simulated state is gone. Called once at
// startup, before new runs start.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	stale, err := o.runs.ListByStatus(ctx, runs.StatusRunning)
	if err != nil {
		return err
	}
	for _, run := range stale {
		if run.Mode == runs.ModeBacktest {
			if err := o.transition(ctx, run, runs.StatusFailed, "interrupted by process restart", nil); err != nil {
				return err
			}
			observability.Log().Warn("failed interrupted backtest run",
				observability.F("run_id", run.ID))
			continue
		}
		active, err := o.wire(ctx, run)
		if err != nil {
			if terr := o.transition(ctx, run, runs.StatusFailed, "restart recovery: "+err.Error(), nil); terr != nil {
				return terr
			}
			continue
		}
		o.trackActive(active)
		if err := o.launch(active); err != nil {
			return err
		}
		observability.Log().Info("resumed interrupted run",
			observability.F("run_id", run.ID),
			observability.F("mode", string(run.Mode)))
	}
	return nil
}

func (o *Orchestrator) emitRunEvent(ctx context.Context, typ schema.Type, run runs.Run, errMsg string, source *schema.Envelope) {
	payload := schema.RunPayload{
		RunID:      run.ID,
		StrategyID: run.StrategyID,
		Mode:       string(run.Mode),
		Symbols:    run.Symbols,
		Timeframe:  run.Timeframe,
		Start:      run.Start,
		End:        run.End,
		Error:      errMsg,
	}
	var env schema.Envelope
	var err error
	if source != nil {
		env, err = schema.Derive(*source, schema.KindEvent, typ, schema.ProducerOrchestrator,
			payload, schema.WithRunID(run.ID))
	} else {
		env, err = schema.New(schema.KindEvent, typ, schema.ProducerOrchestrator,
			payload, schema.WithRunID(run.ID))
	}
	if err == nil {
		_, err = o.log.Append(ctx, env)
	}
	if err != nil {
		observability.Log().Error("emit run event failed",
			observability.F("run_id", run.ID),
			observability.F("event_type", string(typ)),
			observability.F("error", err))
	}
}

func validateParams(params CreateParams) error {
	if !params.Mode.Valid() {
		return errs.New("orchestrator/create", errs.CodeValidation,
			errs.WithMessage("mode must be live, paper, or backtest"))
	}
	if params.StrategyID == "" {
		return errs.New("orchestrator/create", errs.CodeValidation,
			errs.WithMessage("strategy id required"))
	}
	if len(params.Symbols) == 0 {
		return errs.New("orchestrator/create", errs.CodeValidation,
			errs.WithMessage("at least one symbol required"))
	}
	if _, err := clock.ParseTimeframe(params.Timeframe); err != nil {
		return err
	}
	if params.Mode == runs.ModeBacktest {
		if params.Start == nil || params.End == nil {
			return errs.New("orchestrator/create", errs.CodeValidation,
				errs.WithMessage("backtest requires start and end"))
		}
		if params.End.Before(*params.Start) {
			return errs.New("orchestrator/create", errs.CodeValidation,
				errs.WithMessage("end before start"))
		}
		return nil
	}
	if params.Start != nil || params.End != nil {
		return errs.New("orchestrator/create", errs.CodeValidation,
			errs.WithMessage(string(params.Mode)+" runs take no start or end"))
	}
	return nil
}
