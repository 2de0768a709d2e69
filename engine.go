package jsruntime

import "context"

// Engine abstracts the underlying JavaScript engine (V8 or QuickJS) behind
// a common surface used by Isolate, the event loop, and the op dispatcher.
// It is deliberately narrow: the engine itself (contexts, handles, scopes,
// the object graph) is a black box, and nothing outside internal/v8engine
// or internal/quickjs is allowed to depend on engine-specific types.
//
// Concrete implementations live behind build tags: internal/v8engine is the
// default (github.com/tommie/v8go), internal/quickjs is selected with
// `-tags quickjs` (modernc.org/quickjs).
type Engine interface {
	// Eval evaluates JavaScript source in the engine's single global
	// context and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and converts the result to a Go
	// string via the engine's native stringification.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and converts the result to a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and converts the result to a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc installs fn as a global JavaScript function. fn's Go
	// argument and return types are marshaled automatically; an error
	// return is raised as a thrown JS exception rather than a
	// [value, error] pair.
	RegisterFunc(name string, fn any) error

	// SetGlobal assigns value, converted to its JS equivalent, to a
	// global property.
	SetGlobal(name string, value any) error

	// RunMicrotasks drains the engine's microtask queue (settled promise
	// reactions, queueMicrotask callbacks). It never blocks on pending
	// ops or timers.
	RunMicrotasks()

	// Interrupt requests that any executing JS call stop at its next
	// interrupt check point, raising an engine-fatal error on that call.
	// Used to enforce ExecutionTimeout. Safe to call from another
	// goroutine.
	Interrupt(reason string)

	// HeapStats reports approximate live heap usage, when the backend
	// can report it; implementations that cannot return zero values.
	HeapStats() (usedBytes, limitBytes uint64)

	// Dispose releases all engine-native resources. The Engine must not
	// be used afterward.
	Dispose()
}

// ModuleEngine is the subset of engine-level capabilities the module
// subsystem needs beyond plain Eval: registering the compiled factory for
// a module under a stable handle, and invoking it. Neither v8engine nor
// quickjs implements this directly — newModuleEngine (moduleengine.go) wraps
// any Engine with a CommonJS-style module registry built purely out of
// Eval/RegisterFunc, so the backends stay free of module concerns
// entirely, per spec.md §1's "engine is a black box" non-goal.
type ModuleEngine interface {
	Engine

	// DefineModuleFactory registers the compiled CommonJS-style factory
	// function body (as produced by internal/compiler) under the given
	// module ID, making it callable via InvokeModuleFactory.
	DefineModuleFactory(id ModuleId, factorySrc string) error

	// InvokeModuleFactory runs the previously defined factory for id and
	// returns when the factory body's synchronous evaluation finishes;
	// promises the body leaves pending are not awaited. The returned
	// error, if any, is the engine's evaluation error. moduleEngine
	// ignores require: factories resolve through the resolver wired by
	// DefineResolver.
	InvokeModuleFactory(ctx context.Context, id ModuleId, require func(specifier string) (ModuleId, error)) error
}
