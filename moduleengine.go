package jsruntime

import (
	"context"
	"fmt"
	"strconv"

	"github.com/flowlet/jsruntime/internal/compiler"
)

// moduleEngine wraps any Engine with the CommonJS-style module registry
// of internal/compiler, turning it into a ModuleEngine purely through
// Eval/RegisterFunc — no backend-specific module support is required
// (spec.md §1 treats the engine's module system, if any, as out of
// scope; v8go's own Module type is deliberately not used here, matching
// the teacher's own core.JSRuntime surface which never exposed it
// either).
type moduleEngine struct {
	Engine
}

func newModuleEngine(e Engine) *moduleEngine {
	return &moduleEngine{Engine: e}
}

// bootstrap evaluates internal/compiler.BootstrapSource once, installing
// the module cache/registry and the op/dynamic-import promise plumbing
// that spec.md §4.4-§4.6 describe as JS-visible internals (timer
// callbacks are not part of it).
func (m *moduleEngine) bootstrap() error {
	return m.Eval(compiler.BootstrapSource)
}

// DefineResolver wires fn as the Go backing of every require() call a
// module factory makes, per spec.md §4.2's module_resolve_callback.
func (m *moduleEngine) DefineResolver(fn func(importerId ModuleId, specifier string) (ModuleId, error)) error {
	return m.RegisterFunc(compiler.ResolveFuncName, func(importerId int, specifier string) (int, error) {
		id, err := fn(ModuleId(importerId), specifier)
		return int(id), err
	})
}

// DefineModuleFactory registers the compiled CommonJS-style factory body
// for id.
func (m *moduleEngine) DefineModuleFactory(id ModuleId, factorySrc string) error {
	return m.Eval(compiler.DefineFactorySource(int(id), factorySrc))
}

// InvokeModuleFactory runs (or returns the cached exports of) id. The
// require parameter is accepted for ModuleEngine-interface conformance
// but unused: every factory's require() shim already resolves through
// DefineResolver's single globally wired callback, keyed by the
// factory's own closed-over module id.
func (m *moduleEngine) InvokeModuleFactory(ctx context.Context, id ModuleId, require func(specifier string) (ModuleId, error)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return m.Eval(compiler.InvokeExpression(int(id)))
}

// settleOp resolves or rejects the JS promise associated with promiseId
// by calling the bootstrap's __jsruntime_settleOp. result is expected to
// already be JSON-encoded (AsyncOpFunc's return contract); an empty
// result settles with `undefined`.
func (m *moduleEngine) settleOp(promiseId uint64, result []byte, opErr error) {
	if opErr != nil {
		_ = m.Eval(fmt.Sprintf("globalThis.__jsruntime_settleOp(%d, false, %s)", promiseId, jsQuote(opErr.Error())))
		return
	}
	val := "undefined"
	if len(result) > 0 {
		val = string(result)
	}
	_ = m.Eval(fmt.Sprintf("globalThis.__jsruntime_settleOp(%d, true, %s)", promiseId, val))
}

// settleDynamicImport resolves or rejects a pending import() expression.
func (m *moduleEngine) settleDynamicImport(promiseId uint64, moduleId ModuleId, err error) {
	if err != nil {
		_ = m.Eval(fmt.Sprintf("globalThis.__jsruntime_settleDynamicImport(%d, false, %s)", promiseId, jsQuote(err.Error())))
		return
	}
	_ = m.Eval(fmt.Sprintf("globalThis.__jsruntime_settleDynamicImport(%d, true, %d)", promiseId, int(moduleId)))
}

// fireTimer invokes the JS callback timers.go's polyfill stashed for a
// fired timer id, matching the teacher's setTimeout/setInterval polyfill
// convention of keeping callbacks JS-side in a table keyed by id.
func (m *moduleEngine) fireTimer(id TimerId) {
	_ = m.Eval(fmt.Sprintf(`(function(){
	var t = globalThis.__timerCallbacks[%d];
	if (!t) return;
	if (!t.interval) delete globalThis.__timerCallbacks[%d];
	t.fn.apply(null, t.args);
})();`, int(id), int(id)))
}

func jsQuote(s string) string {
	return strconv.Quote(s)
}
