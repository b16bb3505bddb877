package js

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
	"github.com/5TFG4/Weaver-sub000/internal/strategy"
)

// Script adapts a JavaScript module to the strategy contract. The VM is
// created in Initialize so each run gets a fresh isolated instance.
type Script struct {
	module   *Module
	instance *Instance
	handler  *goja.Object
}

// NewScript wraps a compiled module. The instance is not created until
// Initialize runs.
func NewScript(module *Module) *Script {
	return &Script{module: module}
}

// RegisterAll exposes every loaded module under its metadata name.
func RegisterAll(loader *Loader) {
	for _, summary := range loader.List() {
		module, err := loader.Get(summary.Name)
		if err != nil {
			continue
		}
		strategy.Register(module.Name, func() strategy.Strategy {
			return NewScript(module)
		})
	}
}

// Name identifies the script strategy.
func (s *Script) Name() string { return s.module.Name }

type envConfig struct {
	Config  map[string]any `json:"config"`
	Run     runView        `json:"run"`
	Helpers map[string]any `json:"helpers"`
}

type runView struct {
	RunID     string   `json:"runId"`
	Mode      string   `json:"mode"`
	Symbols   []string `json:"symbols"`
	Timeframe string   `json:"timeframe"`
}

type tickView struct {
	RunID     string    `json:"runId"`
	TS        time.Time `json:"ts"`
	Timeframe string    `json:"timeframe"`
	BarIndex  int64     `json:"barIndex"`
}

type jsAction struct {
	FetchWindow *schema.FetchWindowPayload `json:"fetchWindow"`
	PlaceOrder  *schema.PlaceOrderPayload  `json:"placeOrder"`
}

// Initialize spins up the VM and calls the module's create export with the
// run environment. The returned object becomes the handler for hooks.
func (s *Script) Initialize(_ context.Context, run runs.Run) error {
	instance, err := NewInstance(s.module)
	if err != nil {
		return err
	}

	env := envConfig{
		Config: map[string]any{},
		Run: runView{
			RunID:     run.ID,
			Mode:      string(run.Mode),
			Symbols:   append([]string(nil), run.Symbols...),
			Timeframe: run.Timeframe,
		},
		Helpers: map[string]any{
			"log": makeLogHelper(s.module.Name),
		},
	}
	if len(run.Config) > 0 {
		var cfg map[string]any
		if err := json.Unmarshal(run.Config, &cfg); err != nil {
			instance.Close()
			return errs.New("strategy/js", errs.CodeValidation,
				errs.WithMessage("run config is not a JSON object"), errs.WithCause(err))
		}
		env.Config = cfg
	}

	value, err := instance.Call("create", env)
	if err != nil {
		instance.Close()
		return errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("create failed for "+s.module.Name), errs.WithCause(err))
	}
	raw, err := instance.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		obj := value.ToObject(rt)
		if obj == nil {
			return nil, errs.New("strategy/js", errs.CodeValidation,
				errs.WithMessage("create returned non-object value"))
		}
		return obj, nil
	})
	if err != nil {
		instance.Close()
		return err
	}
	handler, ok := raw.(*goja.Object)
	if !ok {
		instance.Close()
		return errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("create result not an object"))
	}

	s.instance = instance
	s.handler = handler
	return nil
}

// OnTick forwards the tick to the script's onTick hook.
func (s *Script) OnTick(_ context.Context, tick strategy.TickInfo) ([]strategy.Action, error) {
	view := tickView{
		RunID:     tick.RunID,
		TS:        tick.TS,
		Timeframe: tick.Timeframe,
		BarIndex:  tick.BarIndex,
	}
	return s.invoke("onTick", view)
}

// OnData forwards the window to the script's onData hook.
func (s *Script) OnData(_ context.Context, window schema.WindowReadyPayload) ([]strategy.Action, error) {
	return s.invoke("onData", window)
}

func (s *Script) invoke(method string, arg any) ([]strategy.Action, error) {
	if s.instance == nil {
		return nil, errs.New("strategy/js", errs.CodeUnavailable,
			errs.WithMessage("strategy not initialized"))
	}
	value, err := s.instance.CallMethod(s.handler, method, arg)
	if err != nil {
		if errors.Is(err, errFunctionMissing) {
			return nil, nil
		}
		return nil, err
	}
	return s.exportActions(value)
}

func (s *Script) exportActions(value goja.Value) ([]strategy.Action, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	var decoded []jsAction
	if _, err := s.instance.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		if err := rt.ExportTo(value, &decoded); err != nil {
			return nil, errs.New("strategy/js", errs.CodeValidation,
				errs.WithMessage("actions must be an array"), errs.WithCause(err))
		}
		return goja.Undefined(), nil
	}); err != nil {
		return nil, err
	}

	actions := make([]strategy.Action, 0, len(decoded))
	for _, a := range decoded {
		switch {
		case a.FetchWindow != nil && a.PlaceOrder != nil:
			return nil, errs.New("strategy/js", errs.CodeValidation,
				errs.WithMessage("action sets both fetchWindow and placeOrder"))
		case a.FetchWindow != nil:
			actions = append(actions, strategy.Action{FetchWindow: a.FetchWindow})
		case a.PlaceOrder != nil:
			actions = append(actions, strategy.Action{PlaceOrder: a.PlaceOrder})
		default:
			return nil, errs.New("strategy/js", errs.CodeValidation,
				errs.WithMessage("action sets neither fetchWindow nor placeOrder"))
		}
	}
	return actions, nil
}

// Cleanup calls the script's cleanup hook, then tears down the VM.
func (s *Script) Cleanup(context.Context) error {
	if s.instance == nil {
		return nil
	}
	if _, err := s.instance.CallMethod(s.handler, "cleanup"); err != nil && !errors.Is(err, errFunctionMissing) {
		observability.Log().Warn("js strategy cleanup failed",
			observability.F("strategy", s.module.Name), observability.F("error", err.Error()))
	}
	s.instance.Close()
	s.instance = nil
	s.handler = nil
	return nil
}

func makeLogHelper(name string) func(args ...any) {
	return func(args ...any) {
		if len(args) == 0 {
			return
		}
		observability.Log().Info("js strategy log",
			observability.F("strategy", name), observability.F("args", args))
	}
}

var _ strategy.Strategy = (*Script)(nil)
