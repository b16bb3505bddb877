package schema

// Event types consumed and emitted by the core. Namespaces:
// run.* lifecycle, strategy.* mode-neutral intents, backtest.*/live.* routed
// commands, data.* market data, orders.* execution facts.
const (
	TypeRunCreateRequest Type = "run.CreateRequest"
	TypeRunStartRequest  Type = "run.StartRequest"
	TypeRunStopRequest   Type = "run.StopRequest"
	TypeRunCreated       Type = "run.Created"
	TypeRunStarted       Type = "run.Started"
	TypeRunStopped       Type = "run.Stopped"
	TypeRunCompleted     Type = "run.Completed"
	TypeRunFailed        Type = "run.Failed"

	TypeStrategyFetchWindow  Type = "strategy.FetchWindow"
	TypeStrategyPlaceRequest Type = "strategy.PlaceRequest"

	TypeBacktestFetchWindow Type = "backtest.FetchWindow"
	TypeBacktestPlaceOrder  Type = "backtest.PlaceOrder"

	TypeLiveFetchWindow Type = "live.FetchWindow"
	TypeLivePlaceOrder  Type = "live.PlaceOrder"
	TypeLiveCancelOrder Type = "live.CancelOrder"

	TypeDataWindowReady Type = "data.WindowReady"

	TypeOrdersCreated   Type = "orders.Created"
	TypeOrdersRejected  Type = "orders.Rejected"
	TypeOrdersFilled    Type = "orders.Filled"
	TypeOrdersCancelled Type = "orders.Cancelled"
)

// Producer names stamped on envelopes emitted by the core.
const (
	ProducerRunner       = "marvin.runner"
	ProducerRouter       = "glados.router"
	ProducerLiveService  = "veda"
	ProducerOrchestrator = "weaver.orchestrator"
	ProducerBacktest     = "weaver.backtest"
)
