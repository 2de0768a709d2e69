//go:build quickjs

// Package quickjs implements the jsruntime.Engine contract on top of
// modernc.org/quickjs, selected by building with `-tags quickjs`. Like
// internal/v8engine, it knows nothing about modules, ops, or the event
// loop.
package quickjs

import (
	"fmt"
	"sync"

	"modernc.org/quickjs"
)

// Config configures a Runtime.
type Config struct {
	MemoryLimitMB int
}

// Runtime is a single QuickJS VM.
type Runtime struct {
	mu sync.Mutex
	vm *quickjs.VM
}

// New constructs a Runtime, applying cfg.MemoryLimitMB as a QuickJS
// memory limit when positive.
func New(cfg Config) (*Runtime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("quickjs: creating VM: %w", err)
	}
	if cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}
	return &Runtime{vm: vm}, nil
}

// Eval evaluates js and discards the result.
func (r *Runtime) Eval(js string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates js and stringifies the result.
func (r *Runtime) EvalString(js string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates js and converts the result to bool.
func (r *Runtime) EvalBool(js string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("quickjs: expected bool, got %T", result)
	}
	return b, nil
}

// EvalInt evaluates js and converts the result to int.
func (r *Runtime) EvalInt(js string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("quickjs: expected int, got %T", result)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// modernc.org/quickjs's VM.RegisterFunc returns multi-value (T, error)
// results as a JS array; this wraps the raw binding so JS callers see the
// conventional "return T or throw" shape, grounded on the teacher's
// internal/quickjs/runtime.go.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	v, err := r.vm.EvalValue(wrapJS, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// SetGlobal sets a global property on the VM's global object.
func (r *Runtime) SetGlobal(name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("quickjs: creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks drains QuickJS's pending job queue. modernc.org/quickjs
// never calls JS_ExecutePendingJob itself, so Promise .then() callbacks
// would otherwise never fire (see executePendingJobs).
func (r *Runtime) RunMicrotasks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	executePendingJobs(r.vm)
}

// Interrupt is a best-effort no-op for QuickJS: modernc.org/quickjs does
// not expose an async interrupt hook, unlike v8go's TerminateExecution.
// ExecutionTimeout enforcement on this backend is necessarily coarser
// (only checked between ops, not mid-script).
func (r *Runtime) Interrupt(reason string) {}

// HeapStats is unsupported by modernc.org/quickjs; both values are zero,
// matching engine.go's contract for backends that cannot report usage.
func (r *Runtime) HeapStats() (usedBytes, limitBytes uint64) { return 0, 0 }

// Dispose closes the VM. The Runtime must not be used afterward.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vm.Close()
}
