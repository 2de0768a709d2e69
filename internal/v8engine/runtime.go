//go:build !quickjs

// Package v8engine implements the jsruntime.Engine contract on top of
// github.com/tommie/v8go. It is the default Engine backend (build without
// `-tags quickjs`); it knows nothing about modules, ops, or the event
// loop — it only evaluates script, marshals values at the Go/JS boundary,
// and reports heap/interrupt primitives, per spec.md §1's "engine is a
// black box" non-goal.
package v8engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	v8 "github.com/tommie/v8go"
)

// Config configures a Runtime. Mirrors the subset of IsolateConfig the
// engine layer itself needs; everything else (permissions, timeouts as
// policy) is handled above this package.
type Config struct {
	MemoryLimitMB int
}

// Runtime is a single V8 isolate + one global context, matching spec.md
// §2's "exactly one context" note.
type Runtime struct {
	mu  sync.Mutex
	iso *v8.Isolate
	ctx *v8.Context
}

// New constructs a Runtime, applying cfg.MemoryLimitMB as a V8 resource
// constraint when positive (grounded on the teacher's v8Pool isolate
// construction, internal/v8engine/pool.go).
func New(cfg Config) (*Runtime, error) {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heapBytes := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapBytes/2, heapBytes))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)
	return &Runtime{iso: iso, ctx: ctx}, nil
}

// Eval evaluates js and discards the result.
func (r *Runtime) Eval(js string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

// EvalString evaluates js and stringifies the result.
func (r *Runtime) EvalString(js string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

// EvalBool evaluates js and converts the result to bool.
func (r *Runtime) EvalBool(js string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	val, err := r.ctx.RunScript(js, "eval_bool.js")
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.Boolean(), nil
}

// EvalInt evaluates js and converts the result to int.
func (r *Runtime) EvalInt(js string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	val, err := r.ctx.RunScript(js, "eval_int.js")
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	return int(val.Integer()), nil
}

// RegisterFunc installs fn as a global JavaScript function, using
// reflection to marshal arguments and return values. Supported Go
// signatures: func(args...), func(args...) T, func(args...) (T, error).
// An error return throws its message, as a JS string value, into the
// calling scope rather than surfacing as a [value, error] pair.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("v8engine: RegisterFunc(%q): expected function, got %T", name, fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			msg := fmt.Sprintf("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(args))
			jsMsg, _ := v8.NewValue(r.iso, msg)
			r.iso.ThrowException(jsMsg)
			return nil
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := 0; i < fnType.NumIn(); i++ {
			goArgs[i] = jsToGoArg(args[i], fnType.In(i))
		}

		results := fnVal.Call(goArgs)
		switch fnType.NumOut() {
		case 0:
			return nil
		case 1:
			return goToJSValue(r.iso, results[0])
		case 2:
			errVal := results[1]
			if !errVal.IsNil() {
				errMsg := errVal.Interface().(error).Error()
				msg := fmt.Sprintf("calling %s: %s", name, errMsg)
				jsMsg, _ := v8.NewValue(r.iso, msg)
				r.iso.ThrowException(jsMsg)
				return nil
			}
			return goToJSValue(r.iso, results[0])
		default:
			return nil
		}
	})

	fnObj := tmpl.GetFunction(r.ctx)
	return r.ctx.Global().Set(name, fnObj)
}

// SetGlobal assigns value, converted to its JS equivalent, to a global
// property.
func (r *Runtime) SetGlobal(name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	jsVal, err := goAnyToJSValue(r.iso, r.ctx, value)
	if err != nil {
		return fmt.Errorf("v8engine: converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, jsVal)
}

// RunMicrotasks drains V8's microtask queue.
func (r *Runtime) RunMicrotasks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx.PerformMicrotaskCheckpoint()
}

// Interrupt requests V8 terminate the JS call currently running on this
// isolate, if any. reason is recorded for diagnostics only; V8 itself
// carries no string through TerminateExecution.
func (r *Runtime) Interrupt(reason string) {
	r.iso.TerminateExecution()
}

// HeapStats reports V8's heap statistics.
func (r *Runtime) HeapStats() (usedBytes, limitBytes uint64) {
	stats := r.iso.GetHeapStatistics()
	return stats.UsedHeapSize, stats.HeapSizeLimit
}

// Dispose releases the context and isolate. The Runtime must not be used
// afterward.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx.Close()
	r.iso.Dispose()
}

func jsToGoArg(val *v8.Value, targetType reflect.Type) reflect.Value {
	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(val.Integer())
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	default:
		return reflect.Zero(targetType)
	}
}

func goToJSValue(iso *v8.Isolate, val reflect.Value) *v8.Value {
	if !val.IsValid() {
		return nil
	}
	switch val.Kind() {
	case reflect.String:
		v, _ := v8.NewValue(iso, val.String())
		return v
	case reflect.Int, reflect.Int64, reflect.Int32:
		v, _ := v8.NewValue(iso, int32(val.Int()))
		return v
	case reflect.Uint64, reflect.Uint, reflect.Uint32:
		// JS numbers are float64; promise/dynamic-import ids fit well within
		// the 2^53 safe-integer range, so this round-trips exactly.
		v, _ := v8.NewValue(iso, float64(val.Uint()))
		return v
	case reflect.Float64, reflect.Float32:
		v, _ := v8.NewValue(iso, val.Float())
		return v
	case reflect.Bool:
		v, _ := v8.NewValue(iso, val.Bool())
		return v
	default:
		return nil
	}
}

func goAnyToJSValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	if value == nil {
		return v8.Undefined(iso), nil
	}
	switch v := value.(type) {
	case string:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, int32(v))
	case int32:
		return v8.NewValue(iso, v)
	case int64:
		return v8.NewValue(iso, int32(v))
	case float64:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case *v8.Value:
		return v, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling value: %w", err)
		}
		script := fmt.Sprintf("JSON.parse(%s)", strconv.Quote(string(data)))
		return ctx.RunScript(script, "set_global.js")
	}
}
