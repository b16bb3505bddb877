package schema

import (
	json "github.com/goccy/go-json"

	"github.com/5TFG4/Weaver-sub000/errs"
)

// Registry validates envelope payloads against the shapes registered for
// their types. Unknown types pass untouched so collaborators can extend the
// namespace without touching the core.
type Registry struct {
	validators map[Type]func(json.RawMessage) error
}

// NewRegistry returns a registry preloaded with the core event shapes.
func NewRegistry() *Registry {
	r := &Registry{validators: make(map[Type]func(json.RawMessage) error)}
	register[FetchWindowPayload](r, TypeStrategyFetchWindow)
	register[FetchWindowPayload](r, TypeBacktestFetchWindow)
	register[FetchWindowPayload](r, TypeLiveFetchWindow)
	register[PlaceOrderPayload](r, TypeStrategyPlaceRequest)
	register[PlaceOrderPayload](r, TypeBacktestPlaceOrder)
	register[PlaceOrderPayload](r, TypeLivePlaceOrder)
	register[CancelOrderPayload](r, TypeLiveCancelOrder)
	register[WindowReadyPayload](r, TypeDataWindowReady)
	register[RunPayload](r, TypeRunCreated)
	register[RunPayload](r, TypeRunStarted)
	register[RunPayload](r, TypeRunStopped)
	register[RunPayload](r, TypeRunCompleted)
	register[RunPayload](r, TypeRunFailed)
	register[OrderPayload](r, TypeOrdersCreated)
	register[OrderPayload](r, TypeOrdersRejected)
	register[OrderPayload](r, TypeOrdersCancelled)
	register[FillPayload](r, TypeOrdersFilled)
	return r
}

func register[P any](r *Registry, typ Type) {
	r.validators[typ] = func(raw json.RawMessage) error {
		var p P
		return json.Unmarshal(raw, &p)
	}
}

// Validate checks the envelope's payload against its registered shape.
func (r *Registry) Validate(env Envelope) error {
	if r == nil {
		return nil
	}
	validate, ok := r.validators[env.Type]
	if !ok {
		return nil
	}
	if len(env.Payload) == 0 {
		return errs.New("schema/registry", errs.CodeValidation,
			errs.WithMessage("payload required for "+string(env.Type)))
	}
	if err := validate(env.Payload); err != nil {
		return errs.New("schema/registry", errs.CodeValidation,
			errs.WithMessage("payload shape for "+string(env.Type)), errs.WithCause(err))
	}
	return nil
}
