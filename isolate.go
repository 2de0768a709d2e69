package jsruntime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowlet/jsruntime/internal/compiler"
)

// Isolate is the runtime facade of spec.md §4.1: it owns one Engine, one
// ModuleMap, one OpState, the extensions loaded into it, an optional
// Inspector, and drives the EventLoop. Exactly one Isolate exists per
// engine isolate/global context, per spec.md §2.
type Isolate struct {
	mu sync.Mutex

	cfg    IsolateConfig
	engine *moduleEngine
	mm     *ModuleMap
	ops    *OpRegistry
	state  *OpState
	timers *WebTimers
	loop   *EventLoop
	loader ModuleLoader

	inspector *Inspector

	pendingEval   map[ModuleId]bool   // modules whose top-level evaluation hasn't settled yet; feeds EventLoop.Diagnose
	factoryBodies map[ModuleId]string // compiled factory body per module id, kept for Snapshot

	dynImportSeq atomic.Uint64

	disposed bool
}

// NewIsolate constructs an Isolate: builds the configured Engine backend,
// wires the module registry, composes exts in order (registering their
// ops, staging their JS sources, running their Init, evaluating their
// ESMEntryPoint), and attaches an Inspector if cfg.Inspector is set.
func NewIsolate(cfg IsolateConfig, loader ModuleLoader, exts []Extension) (*Isolate, error) {
	backend, err := newEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("jsruntime: constructing engine: %w", err)
	}
	engine := newModuleEngine(backend)
	if err := engine.bootstrap(); err != nil {
		backend.Dispose()
		return nil, fmt.Errorf("jsruntime: bootstrapping module registry: %w", err)
	}

	mm := NewModuleMap()
	ops := NewOpRegistry(OpRegistryConfig{})
	state := NewOpState(cfg.Permissions)

	iso := &Isolate{
		cfg:           cfg,
		engine:        engine,
		mm:            mm,
		ops:           ops,
		state:         state,
		timers:        NewWebTimers(),
		loader:        loader,
		pendingEval:   make(map[ModuleId]bool),
		factoryBodies: make(map[ModuleId]string),
	}
	iso.loop = NewEventLoop(engine, ops, iso.timers, mm, cfg.PromiseRejectionPolicy)
	iso.loop.deliverOpCompletion = iso.deliverOpCompletion
	iso.loop.settleDynamicImport = iso.settleDynamicImport
	iso.loop.fireTimerCallback = iso.fireTimer
	if cfg.OnUnhandledRejection != nil {
		iso.loop.reportUnhandled = cfg.OnUnhandledRejection
	} else {
		iso.loop.reportUnhandled = func(promiseId uint64, reason string) {
			log.Print("jsruntime: " + formatRejectionReason(promiseId, reason))
		}
	}

	if err := setupTimers(backend, iso.timers); err != nil {
		backend.Dispose()
		return nil, fmt.Errorf("jsruntime: installing timer polyfill: %w", err)
	}

	if err := setupRejectionTracking(backend, iso.loop); err != nil {
		backend.Dispose()
		return nil, fmt.Errorf("jsruntime: installing rejection tracker: %w", err)
	}

	if err := engine.DefineResolver(func(importerId ModuleId, specifier string) (ModuleId, error) {
		return iso.resolveImport(importerId, specifier)
	}); err != nil {
		backend.Dispose()
		return nil, fmt.Errorf("jsruntime: wiring module resolver: %w", err)
	}

	if err := engine.RegisterFunc(dispatchSyncFuncName, func(name string, argsJSON string) (string, error) {
		return iso.dispatchSync(name, argsJSON)
	}); err != nil {
		backend.Dispose()
		return nil, fmt.Errorf("jsruntime: wiring sync op dispatch: %w", err)
	}

	if err := engine.RegisterFunc(dispatchAsyncFuncName, func(name string, argsJSON string) uint64 {
		return iso.dispatchAsync(name, argsJSON)
	}); err != nil {
		backend.Dispose()
		return nil, fmt.Errorf("jsruntime: wiring async op dispatch: %w", err)
	}

	if err := engine.RegisterFunc(refOpFuncName, func(promiseId int) {
		iso.ops.RefOp(uint64(promiseId))
	}); err != nil {
		backend.Dispose()
		return nil, fmt.Errorf("jsruntime: wiring op ref: %w", err)
	}

	if err := engine.RegisterFunc(unrefOpFuncName, func(promiseId int) {
		iso.ops.UnrefOp(uint64(promiseId))
	}); err != nil {
		backend.Dispose()
		return nil, fmt.Errorf("jsruntime: wiring op unref: %w", err)
	}

	if err := engine.RegisterFunc(compiler.StartDynamicImportFuncName, func(importerId int, specifier string) uint64 {
		return iso.startDynamicImport(ModuleId(importerId), specifier)
	}); err != nil {
		backend.Dispose()
		return nil, fmt.Errorf("jsruntime: wiring dynamic import: %w", err)
	}

	bootstrapModules, err := resolveExtensions(exts, ops, state, func(specifier string, src []byte, kind ImportKind) (ModuleId, []ModuleRequest, error) {
		return iso.compileWithMain(specifier, src, kind, false)
	})
	if err != nil {
		backend.Dispose()
		return nil, err
	}
	for _, specifier := range bootstrapModules {
		id, ok := mm.Resolve(specifier)
		if !ok {
			backend.Dispose()
			return nil, fmt.Errorf("jsruntime: extension bootstrap module %q was not registered", specifier)
		}
		if err := engine.InvokeModuleFactory(context.Background(), id, nil); err != nil {
			backend.Dispose()
			return nil, err
		}
	}

	if cfg.Inspector != nil {
		iso.inspector = NewInspector(*cfg.Inspector)
		iso.inspector.dispatch = iso.dispatchInspectorMessage
		iso.loop.inspectorPoll = iso.inspector.Poll
		iso.loop.inspectorHasBlocking = iso.inspector.HasBlockingSession
		if cfg.Inspector.WaitForSession {
			if err := iso.inspector.WaitForSession(context.Background()); err != nil {
				backend.Dispose()
				return nil, fmt.Errorf("jsruntime: waiting for inspector session: %w", err)
			}
		}
	}

	return iso, nil
}

// compileWithMain adapts ModuleMap.CreateModule + internal/compiler.
// Transform into the signature moduleLoad expects. resolveExtensions takes
// the narrower 3-arg form (extensions are never the main module), so
// NewIsolate wraps this in a closure that always passes main=false.
func (iso *Isolate) compileWithMain(specifier string, src []byte, kind ImportKind, main bool) (ModuleId, []ModuleRequest, error) {
	ckind := compiler.JavaScriptOrWasm
	if kind == Json {
		ckind = compiler.Json
	}

	var factoryBody string
	var creqs []compiler.Request
	cached := false
	cache, hasCache := iso.loader.(FactoryCache)
	if hasCache && kind != Json {
		if body, ok := cache.CachedFactory(specifier, src); ok {
			factoryBody = body
			creqs = compiler.StaticRequests(src)
			cached = true
		}
	}
	if !cached {
		var err error
		factoryBody, creqs, err = compiler.Transform(specifier, src, ckind)
		if err != nil {
			return 0, nil, err
		}
		if hasCache && kind != Json {
			if err := cache.StoreFactory(specifier, src, factoryBody); err != nil {
				log.Printf("jsruntime: caching compiled module %q: %v", specifier, err)
			}
		}
	}
	requests := make([]ModuleRequest, len(creqs))
	for i, r := range creqs {
		k := JavaScriptOrWasm
		if r.Kind == compiler.Json {
			k = Json
		}
		requests[i] = ModuleRequest{Specifier: r.Specifier, Kind: k}
	}

	id, err := iso.mm.CreateModule(specifier, kind, main, requests)
	if err != nil {
		if existing, ok := iso.mm.Resolve(specifier); ok {
			return existing, requests, nil
		}
		return 0, nil, err
	}
	if err := iso.engine.DefineModuleFactory(id, factoryBody); err != nil {
		return 0, nil, err
	}
	iso.mu.Lock()
	iso.factoryBodies[id] = factoryBody
	iso.mu.Unlock()
	return id, requests, nil
}

// newLoad constructs a moduleLoad bound to this Isolate's ModuleMap,
// loader, and compiler, applying IsolateConfig.MaxScriptSizeKB.
func (iso *Isolate) newLoad(rootSource []byte) *moduleLoad {
	load := newModuleLoad(iso.mm, iso.loader, rootSource, iso.compileWithMain)
	if iso.cfg.MaxScriptSizeKB > 0 {
		load.maxScriptSize = iso.cfg.MaxScriptSizeKB * 1024
	}
	return load
}

// dispatchSyncFuncName and dispatchAsyncFuncName are the Go-backed globals
// an extension's JsSources call to invoke an op by name, the JS-side half of
// spec.md §4.4: a sync op returns its JSON-encoded result (or throws); an
// async op returns a promiseId that globalThis.__jsruntime_opAsync (see
// internal/compiler's opRuntimeSource) turns into the Promise JS awaits.
const (
	dispatchSyncFuncName  = "__jsruntime_dispatchSync"
	dispatchAsyncFuncName = "__jsruntime_dispatchAsync"
)

// refOpFuncName and unrefOpFuncName let JS toggle whether an in-flight
// async op's promiseId keeps the event loop alive (spec.md §4.4 step 4).
const (
	refOpFuncName   = "__jsruntime_refOp"
	unrefOpFuncName = "__jsruntime_unrefOp"
)

// dispatchSync looks up name in iso.ops and runs it synchronously against
// iso.state, returning its JSON-encoded result.
func (iso *Isolate) dispatchSync(name string, argsJSON string) (string, error) {
	id, ok := iso.ops.Lookup(name)
	if !ok {
		return "", fmt.Errorf("jsruntime: no such op %q", name)
	}
	result, err := iso.ops.DispatchSync(id, iso.state, []byte(argsJSON))
	if err != nil {
		return "", err
	}
	return string(result), nil
}

// dispatchAsync looks up name in iso.ops and starts it on its own
// goroutine, returning the promiseId EventLoop.Poll later settles via
// Isolate.deliverOpCompletion. The op is refed: it keeps the loop alive
// until it completes, matching spec.md §4.4's default.
func (iso *Isolate) dispatchAsync(name string, argsJSON string) uint64 {
	id, ok := iso.ops.Lookup(name)
	if !ok {
		return iso.ops.FailAsync(fmt.Errorf("jsruntime: no such op %q", name))
	}
	return iso.ops.DispatchAsync(context.Background(), id, iso.state, []byte(argsJSON), Refed)
}

// resolveImport is the Go-side half of the require() shim's specifier
// resolution: turn (importerId, literalSpecifier) into a registered
// ModuleId by re-running ModuleLoader.Resolve, per spec.md §4.2's
// module_resolve_callback.
func (iso *Isolate) resolveImport(importerId ModuleId, specifier string) (ModuleId, error) {
	referrer := ""
	if info := iso.mm.Info(importerId); info != nil {
		referrer = info.Name
	}
	resolved, err := iso.loader.Resolve(specifier, referrer)
	if err != nil {
		return 0, &ResolveError{Specifier: specifier, Referrer: referrer, Cause: err}
	}
	id, ok := iso.mm.Resolve(resolved)
	if !ok {
		return 0, &LinkError{Specifier: specifier, Referrer: referrer}
	}
	return id, nil
}

// startDynamicImport begins an independent recursive load of specifier,
// resolved relative to importerId, on a background goroutine, per spec.md
// §4.3's "dynamic imports are independent of the static graph" rule. It
// returns immediately with a promise id the JS-side wrapper turns into a
// Promise via __jsruntime_dynamicImport; EventLoop.Poll's step 3 settles
// it once the goroutine reports a result.
func (iso *Isolate) startDynamicImport(importerId ModuleId, specifier string) uint64 {
	referrer := ""
	if info := iso.mm.Info(importerId); info != nil {
		referrer = info.Name
	}
	promiseId := iso.dynImportSeq.Add(1)
	resultCh := make(chan dynamicImportResult, 1)

	go func() {
		load := iso.newLoad(nil)
		load.isDynamic = true
		id, err := load.runFrom(context.Background(), specifier, referrer, false)
		if err == nil {
			if linkErr := iso.InstantiateModule(id); linkErr != nil {
				err = linkErr
			} else {
				err = iso.EvaluateModule(context.Background(), id)
			}
		}
		resultCh <- dynamicImportResult{moduleId: id, err: err}
	}()

	iso.loop.AddDynamicImport(promiseId, resultCh)
	return promiseId
}

// LoadMainModule registers spec as the main module and recursively loads
// its transitive import graph, per spec.md §4.1. maybeSource, if non-nil,
// is used as the root's body instead of invoking the loader (inline
// scripts, e.g. the `data:` scheme in the hello-world scenario).
func (iso *Isolate) LoadMainModule(ctx context.Context, spec string, maybeSource []byte) (ModuleId, error) {
	load := iso.newLoad(maybeSource)
	return load.run(ctx, spec, true)
}

// LoadSideModule is LoadMainModule without claiming the main slot.
func (iso *Isolate) LoadSideModule(ctx context.Context, spec string, maybeSource []byte) (ModuleId, error) {
	load := iso.newLoad(maybeSource)
	return load.run(ctx, spec, false)
}

// InstantiateModule checks that every import reachable from id resolves
// to a registered module, per spec.md §4.1/§4.2's static-link emulation.
func (iso *Isolate) InstantiateModule(id ModuleId) error {
	return InstantiateModule(iso.mm, id)
}

// EvaluateModule runs id's top-level code (and transitively, every
// module it requires that hasn't run yet) and reports whether its
// synchronous evaluation completed successfully. Top-level await is
// modeled synchronously: InvokeModuleFactory returns when the factory
// body's synchronous code finishes, and promises it leaves pending are
// not awaited here; they settle later as the event loop runs. id is
// marked in pendingEval only while this call is in progress, so Run's
// Diagnose step reports only evaluations still in progress (such as a
// dynamic import's, on its background goroutine) when the loop goes idle.
func (iso *Isolate) EvaluateModule(ctx context.Context, id ModuleId) error {
	iso.mu.Lock()
	iso.pendingEval[id] = true
	iso.mu.Unlock()

	if iso.cfg.ExecutionTimeout > 0 {
		timer := time.AfterFunc(iso.cfg.ExecutionTimeout, func() {
			iso.engine.Interrupt("execution timeout exceeded")
		})
		defer timer.Stop()
	}

	err := iso.engine.InvokeModuleFactory(ctx, id, func(specifier string) (ModuleId, error) {
		return iso.resolveImport(id, specifier)
	})

	iso.mu.Lock()
	delete(iso.pendingEval, id)
	iso.mu.Unlock()
	return err
}

// PollEventLoop drives one EventLoop iteration and reports idle, an
// error, or (by returning false, nil) that the caller should poll again.
// Embedders call this in a loop (typically with a short sleep or a
// select on a wakeup channel) until it reports idle=true or an error.
func (iso *Isolate) PollEventLoop(ctx context.Context) (idle bool, err error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	return iso.loop.Poll()
}

// Run drives PollEventLoop to completion, polling at a short fixed
// interval when nothing fired. Most embedders use this instead of
// managing the poll loop themselves.
func (iso *Isolate) Run(ctx context.Context) error {
	for {
		idle, err := iso.PollEventLoop(ctx)
		if err != nil {
			return err
		}
		if idle {
			iso.mu.Lock()
			pending := make(map[ModuleId]bool, len(iso.pendingEval))
			for k, v := range iso.pendingEval {
				pending[k] = v
			}
			iso.mu.Unlock()
			if len(pending) > 0 {
				return iso.loop.Diagnose(pending)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Ops exposes the OpRegistry for extensions constructing their own op
// stubs outside Extension.Ops (rare; most extensions only need Ops).
func (iso *Isolate) Ops() *OpRegistry { return iso.ops }

// State exposes the OpState, e.g. for an embedder CLI (cmd/runjs) that
// wants to seed a resource before the main module runs.
func (iso *Isolate) State() *OpState { return iso.state }

// Timers exposes the WebTimers subsystem for extensions implementing
// setTimeout/setInterval ops.
func (iso *Isolate) Timers() *WebTimers { return iso.timers }

// Engine exposes the underlying Engine for extensions that need direct
// Eval/RegisterFunc access beyond the op/module boundary.
func (iso *Isolate) Engine() Engine { return iso.engine }

// Inspector returns the attached Inspector, or nil if none was
// configured.
func (iso *Isolate) Inspector() *Inspector { return iso.inspector }

// deliverOpCompletion resolves or rejects the JS-side promise associated
// with promiseId through `__jsruntime_settleOp`, which looks the promise
// up in the promiseId → resolver table that the bootstrap source
// (internal/compiler's opRuntimeSource) installs.
func (iso *Isolate) deliverOpCompletion(promiseId uint64, result []byte, opErr error) {
	iso.engine.settleOp(promiseId, result, opErr)
}

func (iso *Isolate) settleDynamicImport(promiseId uint64, moduleId ModuleId, err error) {
	iso.engine.settleDynamicImport(promiseId, moduleId, err)
}

func (iso *Isolate) fireTimer(id TimerId) {
	iso.engine.fireTimer(id)
}

// dispatchInspectorMessage forwards one inbound CDP frame to the JS-side
// debugger hook, if an extension installed one, and drains microtasks it
// may have scheduled. See inspector.go's Inspector doc comment for why
// this doesn't reach a native engine inspector API.
func (iso *Isolate) dispatchInspectorMessage(sessionID string, msg []byte) {
	_ = iso.engine.Eval(fmt.Sprintf(`(function(){
	if (typeof globalThis.__jsruntime_onInspectorMessage === 'function') {
		globalThis.__jsruntime_onInspectorMessage(%s, %s);
	}
})();`, jsQuote(sessionID), jsQuote(string(msg))))
	iso.engine.RunMicrotasks()
}

// Snapshot serializes the isolate's module map and compiled factory
// bodies for fast restart, per spec.md §6's "Persisted state". Call
// RestoreSnapshot on a freshly constructed Isolate (before loading any
// module) to consume the result; see snapshot.go.
func (iso *Isolate) Snapshot() ([]byte, error) {
	return iso.snapshotModuleMap()
}

// Dispose releases the Engine and, if attached, the Inspector. Disposing
// an isolate with pending refed ops/timers/imports is allowed but is
// logged by the embedder's own diagnostics (EventLoop.HasPending); the
// core itself does not warn, matching the teacher's plain-log posture
// elsewhere (SPEC_FULL.md §2).
func (iso *Isolate) Dispose() {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if iso.disposed {
		return
	}
	iso.disposed = true
	if iso.inspector != nil {
		iso.inspector.Close()
	}
	iso.engine.Dispose()
}
