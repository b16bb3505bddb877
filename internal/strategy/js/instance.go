package js

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/5TFG4/Weaver-sub000/errs"
)

// Instance is an isolated goja VM for one strategy. All script execution is
// funneled through a single goroutine because goja runtimes are not safe for
// concurrent use.
type Instance struct {
	rt     *goja.Runtime
	export *goja.Object
	queue  chan func(*goja.Runtime)
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewInstance creates an isolated runtime for the provided module.
func NewInstance(module *Module) (*Instance, error) {
	if module == nil {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("module required"))
	}
	rt := goja.New()
	export, err := runModule(rt, module.Program)
	if err != nil {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("execute "+module.Path), errs.WithCause(err))
	}
	instance := &Instance{
		rt:     rt,
		export: export,
		queue:  make(chan func(*goja.Runtime)),
	}
	instance.wg.Add(1)
	go instance.loop()
	return instance, nil
}

func (i *Instance) loop() {
	defer i.wg.Done()
	for cb := range i.queue {
		cb(i.rt)
	}
}

type outcome struct {
	value goja.Value
	err   error
}

// Execute runs fn on the instance goroutine.
func (i *Instance) Execute(fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (goja.Value, error) {
	wait := make(chan outcome, 1)

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, errs.New("strategy/js", errs.CodeUnavailable,
			errs.WithMessage("instance closed"))
	}
	i.queue <- func(rt *goja.Runtime) {
		defer func() {
			if rec := recover(); rec != nil {
				wait <- outcome{err: errs.New("strategy/js", errs.CodeRunFailure,
					errs.WithMessage(fmt.Sprintf("script panic: %v", rec)))}
			}
		}()
		val, err := fn(rt, i.export)
		wait <- outcome{value: val, err: err}
	}
	i.mu.RUnlock()

	res := <-wait
	return res.value, res.err
}

// Call invokes the named export with the provided arguments.
func (i *Instance) Call(function string, args ...any) (goja.Value, error) {
	name := strings.TrimSpace(function)
	if name == "" {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("function name required"))
	}
	return i.Execute(func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		return callOn(rt, exports, goja.Undefined(), name, args)
	})
}

// CallMethod invokes a method on target within the instance goroutine.
func (i *Instance) CallMethod(target *goja.Object, method string, args ...any) (goja.Value, error) {
	if target == nil {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("target required"))
	}
	name := strings.TrimSpace(method)
	if name == "" {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage("method name required"))
	}
	return i.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		return callOn(rt, target, target, name, args)
	})
}

// errFunctionMissing marks optional hooks the script did not export.
var errFunctionMissing = errs.New("strategy/js", errs.CodeNotFound,
	errs.WithMessage("function not defined"))

func callOn(rt *goja.Runtime, holder *goja.Object, this goja.Value, name string, args []any) (goja.Value, error) {
	value := holder.Get(name)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, errFunctionMissing
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, errs.New("strategy/js", errs.CodeValidation,
			errs.WithMessage(name+" not callable"))
	}
	params := make([]goja.Value, len(args))
	for idx, arg := range args {
		params[idx] = rt.ToValue(arg)
	}
	return callable(this, params...)
}

// Close stops the instance goroutine and releases resources.
func (i *Instance) Close() {
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.queue)
		i.mu.Unlock()
		i.wg.Wait()
	})
}
