package jsruntime

import (
	"context"
	"fmt"
)

// ModuleLoader is the embedder-supplied contract for turning specifiers
// into module bytes. The core ships no concrete loader (file/http/data
// resolution lives in internal/embedderloader as an example, not a
// shipped capability — filesystem and network access are non-goals of
// this package itself).
type ModuleLoader interface {
	// Resolve turns specifier, as written in an import appearing in
	// referrer (empty for the entry point), into an absolute module
	// name. It does not fetch anything.
	Resolve(specifier, referrer string) (string, error)

	// Load fetches the module body for the already-resolved name. kind
	// tells the loader whether the import site expects JSON or
	// JS/Wasm source. finalName may differ from name when the loader
	// redirects (e.g. an HTTP 301); callers must call ModuleMap.Alias
	// from name to finalName when that happens.
	Load(ctx context.Context, name string, kind ImportKind) (src []byte, finalName string, err error)
}

// LoadPreparer is an optional interface a ModuleLoader may additionally
// implement to run setup before a recursive load begins — pre-warming a
// cache, batch-downloading a known graph, emitting progress. It is
// called once per load operation, before the root specifier is resolved.
// loadId is unique per operation within the isolate (and across a
// snapshot restore); isDynamic distinguishes a dynamic import() load
// from a LoadMainModule/LoadSideModule one.
type LoadPreparer interface {
	PrepareLoad(ctx context.Context, loadId int, rootSpecifier string, isDynamic bool) error
}

// FactoryCache is an optional interface a ModuleLoader may additionally
// implement to reuse compiled factory bodies across runs. When the
// loader implements it, the Isolate consults CachedFactory before
// compiling a JS module and records fresh compilations with
// StoreFactory. internal/embedderloader implements it over
// internal/modulecache.
type FactoryCache interface {
	CachedFactory(name string, src []byte) (factoryBody string, ok bool)
	StoreFactory(name string, src []byte, factoryBody string) error
}

// loadPhase is the state of a moduleLoad state machine instance.
type loadPhase int

const (
	loadingRoot loadPhase = iota
	loadingImports
	loadDone
)

// moduleLoad drives the recursive "resolve, load, compile, discover
// requests, recurse into unresolved requests" walk for one top-level
// LoadMainModule/LoadSideModule/dynamic-import call, per spec.md §4.3.
// It is intentionally synchronous/sequential per load (no internal
// concurrency): embedders wanting concurrent fetches run independent
// moduleLoads in separate goroutines and merge into the same ModuleMap.
type moduleLoad struct {
	phase         loadPhase
	loadId        int
	loader        ModuleLoader
	mm            *ModuleMap
	compile       func(specifier string, src []byte, kind ImportKind, main bool) (ModuleId, []ModuleRequest, error)
	visited       map[string]bool
	rootId        ModuleId
	rootSource    []byte // non-nil when the caller supplied inline source for the root, skipping Load
	maxScriptSize int    // bytes; zero means unbounded
	isDynamic     bool   // set for loads spawned by a dynamic import()
}

// newModuleLoad constructs a load driven by loader, registering compiled
// modules into mm via compile (normally ModuleMap.CreateModule fed by
// internal/compiler's transform, wired up by Isolate). rootSource, when
// non-nil, is used verbatim as the root specifier's body instead of
// calling loader.Load (spec.md §4.1's loadMainModule/loadSideModule
// "maybeSource" parameter).
func newModuleLoad(mm *ModuleMap, loader ModuleLoader, rootSource []byte, compile func(string, []byte, ImportKind, bool) (ModuleId, []ModuleRequest, error)) *moduleLoad {
	return &moduleLoad{
		phase:      loadingRoot,
		loadId:     mm.NextLoadId(),
		loader:     loader,
		mm:         mm,
		compile:    compile,
		rootSource: rootSource,
		visited:    make(map[string]bool),
	}
}

// run executes the full load: resolve+load+compile the root specifier,
// then iteratively resolve+load+compile every not-yet-registered import
// request transitively reachable from it, until the graph is closed.
// The root specifier is passed through loader.Resolve with an empty
// referrer (the entry point has no importing module).
func (l *moduleLoad) run(ctx context.Context, rootSpecifier string, main bool) (ModuleId, error) {
	return l.runFrom(ctx, rootSpecifier, "", main)
}

// runFrom is run with an explicit referrer for the root specifier,
// used by a dynamic import() whose specifier resolves relative to the
// importing module rather than with no referrer context.
func (l *moduleLoad) runFrom(ctx context.Context, rootSpecifier, referrer string, main bool) (ModuleId, error) {
	if main {
		if existingId, ok := l.mm.MainModule(); ok {
			return 0, &MainExistsError{Existing: l.mm.Info(existingId).Name, Attempt: rootSpecifier}
		}
	}
	if preparer, ok := l.loader.(LoadPreparer); ok {
		if err := preparer.PrepareLoad(ctx, l.loadId, rootSpecifier, l.isDynamic); err != nil {
			l.phase = loadDone
			return 0, fmt.Errorf("preparing load of %q: %w", rootSpecifier, err)
		}
	}
	id, err := l.loadOne(ctx, rootSpecifier, referrer, JavaScriptOrWasm, main)
	if err != nil {
		l.phase = loadDone
		return 0, err
	}
	l.rootId = id
	l.phase = loadingImports

	queue := []ModuleId{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		info := l.mm.Info(cur)
		if info == nil {
			continue
		}
		for _, req := range info.Requests {
			if _, ok := l.mm.Resolve(req.Specifier); ok {
				continue
			}
			childId, err := l.loadOne(ctx, req.Specifier, info.Name, req.Kind, false)
			if err != nil {
				l.phase = loadDone
				return 0, err
			}
			queue = append(queue, childId)
		}
	}
	l.phase = loadDone
	return l.rootId, nil
}

func (l *moduleLoad) loadOne(ctx context.Context, specifier, referrer string, kind ImportKind, main bool) (ModuleId, error) {
	resolved, err := l.loader.Resolve(specifier, referrer)
	if err != nil {
		return 0, &ResolveError{Specifier: specifier, Referrer: referrer, Cause: err}
	}
	if l.visited[resolved] {
		if id, ok := l.mm.Resolve(resolved); ok {
			return id, nil
		}
	}
	l.visited[resolved] = true

	if id, ok := l.mm.Resolve(resolved); ok {
		return id, nil
	}

	var src []byte
	if main && l.rootSource != nil {
		src = l.rootSource
	} else {
		loaded, finalName, loadErr := l.loader.Load(ctx, resolved, kind)
		if loadErr != nil {
			return 0, &LoadError{Specifier: resolved, Cause: loadErr}
		}
		if finalName != "" && finalName != resolved {
			l.mm.Alias(resolved, finalName)
			resolved = finalName
			if id, ok := l.mm.Resolve(resolved); ok {
				return id, nil
			}
		}
		src = loaded
	}

	if l.maxScriptSize > 0 && len(src) > l.maxScriptSize {
		return 0, &LoadError{Specifier: resolved, Cause: fmt.Errorf("module source is %d bytes, exceeds the configured %d byte limit", len(src), l.maxScriptSize)}
	}

	src = stripBOM(src)
	id, _, err := l.compile(resolved, src, kind, main)
	if err != nil {
		return 0, &ParseError{Specifier: resolved, Cause: err}
	}
	return id, nil
}

// InstantiateModule checks that every request reachable from root
// resolves to a registered module, returning a *LinkError naming the
// first one that does not. It performs no engine work; it is the
// Go-side emulation of V8's instantiate-time module_resolve_callback
// failing with a TypeError, per spec.md §4.2.
func InstantiateModule(mm *ModuleMap, root ModuleId) error {
	visited := make(map[ModuleId]bool)
	var walk func(id ModuleId) error
	walk = func(id ModuleId) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		info := mm.Info(id)
		if info == nil {
			return fmt.Errorf("jsruntime: internal error: module id %d has no info", id)
		}
		for _, req := range info.Requests {
			childId, ok := mm.Resolve(req.Specifier)
			if !ok {
				return &LinkError{Specifier: req.Specifier, Referrer: info.Name}
			}
			if err := walk(childId); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root)
}
