package jsruntime

import "fmt"

// ExtensionInit populates or mutates an Isolate's OpState when the
// Extension that declares it is loaded, e.g. opening a resource table
// entry or stashing configuration the extension's ops will read later.
type ExtensionInit func(state *OpState) error

// GlobalMiddleware wraps the sync ops of the Extension that sets it as
// its Middleware; other extensions' ops and async ops are not wrapped.
// Used for cross-cutting concerns like op-level tracing; the core ships
// none itself.
type GlobalMiddleware func(next SyncOpFunc) SyncOpFunc

// Extension is a declarative, composable bundle of ops, JS/ESM sources,
// and state initialization, per spec.md §4.8. An Isolate is built from an
// ordered list of Extensions; each extension's JsSources are compiled and
// registered as virtual modules available to user code under the
// extension's declared specifiers (e.g. "ext:console/console.js").
type Extension struct {
	Name string

	// Deps names extensions that must already be loaded when this one
	// is. Composition order is embedder-controlled (the exts slice
	// passed to NewIsolate), so this is validated, not solved: a dep
	// that appears later in the list, or not at all, fails the load.
	Deps []string

	// Ops this extension contributes. Names must be globally unique
	// across every extension loaded into the same Isolate.
	Ops []OpDecl

	// JsSources are virtual ES modules provided by the extension,
	// specifier to source text, loaded into the ModuleMap before any
	// user module so user code can import them.
	JsSources map[string]string

	// ESMEntryPoint, if non-empty, must be a key of JsSources; it is
	// evaluated automatically (like an internal bootstrap module) when
	// the extension is loaded, before the main module runs.
	ESMEntryPoint string

	// Init runs once, after Ops are registered and JsSources are
	// staged, to let the extension seed OpState.
	Init ExtensionInit

	// Middleware, if set, wraps this extension's own sync ops.
	Middleware GlobalMiddleware
}

// resolveExtensions topologically validates a list of Extensions against
// an OpRegistry and ModuleMap: registers every op, stages every JS
// source, and runs every Init, failing fast (and leaving nothing
// partially registered into the caller-visible registry/map — both are
// append-only so a failed load is simply abandoned by the caller
// discarding the Isolate under construction).
func resolveExtensions(exts []Extension, ops *OpRegistry, state *OpState, compile func(specifier string, src []byte, kind ImportKind) (ModuleId, []ModuleRequest, error)) ([]string, error) {
	var bootstrapModules []string

	loaded := make(map[string]bool, len(exts))
	for _, ext := range exts {
		for _, dep := range ext.Deps {
			if !loaded[dep] {
				return nil, fmt.Errorf("extension %q: dependency %q is not loaded before it", ext.Name, dep)
			}
		}
		loaded[ext.Name] = true

		for _, op := range ext.Ops {
			if ext.Middleware != nil && op.Sync != nil {
				wrapped := op
				wrapped.Sync = ext.Middleware(op.Sync)
				op = wrapped
			}
			if _, err := ops.Register(op); err != nil {
				return nil, fmt.Errorf("extension %q: %w", ext.Name, err)
			}
		}

		for specifier, src := range ext.JsSources {
			if _, _, err := compile(specifier, []byte(src), JavaScriptOrWasm); err != nil {
				return nil, fmt.Errorf("extension %q: compiling %q: %w", ext.Name, specifier, err)
			}
		}

		if ext.Init != nil {
			if err := ext.Init(state); err != nil {
				return nil, fmt.Errorf("extension %q: init: %w", ext.Name, err)
			}
		}

		if ext.ESMEntryPoint != "" {
			if _, ok := ext.JsSources[ext.ESMEntryPoint]; !ok {
				return nil, fmt.Errorf("extension %q: ESMEntryPoint %q is not in JsSources", ext.Name, ext.ESMEntryPoint)
			}
			bootstrapModules = append(bootstrapModules, ext.ESMEntryPoint)
		}
	}

	return bootstrapModules, nil
}
