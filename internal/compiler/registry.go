package compiler

import "fmt"

// ResolveFuncName is the Go-backed global function the generated require
// shim calls to turn (importerModuleId, literalSpecifier) into a child
// module id. Isolate registers it once per Engine via RegisterFunc,
// backed by ModuleLoader.Resolve + ModuleMap.Resolve (spec.md §4.2's
// module_resolve_callback, emulated in Go rather than natively in the
// engine per spec.md §9).
const ResolveFuncName = "__jsruntime_resolveImport"

// RegistrySource is evaluated once, at Isolate construction, before any
// user or extension module factory is defined. It is the JS-side half of
// the CommonJS emulation described in SPEC_FULL.md §2's "ESM compilation"
// entry: a tiny module cache + loader, kept deliberately small so the
// Go-side ModuleMap remains the sole source of truth for identity and
// the import graph.
const RegistrySource = `
(function(global) {
	if (global.__jsruntime_modules) return;
	global.__jsruntime_modules = Object.create(null);
	global.__jsruntime_cache = Object.create(null);
	global.__jsruntime_requireModule = function(id) {
		if (Object.prototype.hasOwnProperty.call(global.__jsruntime_cache, id)) {
			return global.__jsruntime_cache[id].exports;
		}
		var mod = { exports: {} };
		global.__jsruntime_cache[id] = mod;
		var factory = global.__jsruntime_modules[id];
		if (typeof factory !== 'function') {
			throw new Error('jsruntime: module ' + id + ' was never defined');
		}
		factory(mod, mod.exports);
		return mod.exports;
	};
})(globalThis);
`

// opRuntimeSource installs the JS-visible internals for op dispatch,
// async op completion, and dynamic-import settlement described by spec.md
// §4.4/§4.6 (timer firing is handled separately by timers.go's own
// __timerCallbacks table). An extension's JsSources call
// `globalThis.__jsruntime_dispatchSync(name, JSON.stringify(args))` for a
// sync op (returns the JSON-encoded result, or throws), or
//
//	var promiseId = globalThis.__jsruntime_dispatchAsync(name, JSON.stringify(args));
//	return globalThis.__jsruntime_opAsync(promiseId);
//
// for an async one; the Go-side OpRegistry/EventLoop settle it later via
// Isolate.deliverOpCompletion.
const opRuntimeSource = `
(function(global) {
	global.__jsruntime_ops = Object.create(null);
	global.__jsruntime_opAsync = function(promiseId) {
		return new Promise(function(resolve, reject) {
			global.__jsruntime_ops[promiseId] = { resolve: resolve, reject: reject };
		});
	};
	global.__jsruntime_settleOp = function(promiseId, ok, value) {
		var p = global.__jsruntime_ops[promiseId];
		if (!p) return;
		delete global.__jsruntime_ops[promiseId];
		if (ok) { p.resolve(value); } else { p.reject(new Error(value)); }
	};

	global.__jsruntime_dynImports = Object.create(null);
	global.__jsruntime_dynamicImport = function(promiseId) {
		return new Promise(function(resolve, reject) {
			global.__jsruntime_dynImports[promiseId] = { resolve: resolve, reject: reject };
		});
	};
	global.__jsruntime_settleDynamicImport = function(promiseId, ok, moduleIdOrMessage) {
		var p = global.__jsruntime_dynImports[promiseId];
		if (!p) return;
		delete global.__jsruntime_dynImports[promiseId];
		if (ok) {
			p.resolve(global.__jsruntime_requireModule(moduleIdOrMessage));
		} else {
			p.reject(new Error(moduleIdOrMessage));
		}
	};
})(globalThis);
`

// BootstrapSource is RegistrySource followed by opRuntimeSource,
// evaluated once at Isolate construction before any extension or user
// module loads.
const BootstrapSource = RegistrySource + opRuntimeSource

// StartDynamicImportFuncName is the Go-backed global DefineFactorySource's
// per-module __jsruntime_dynImportCall wrapper calls to kick off a
// background load for a dynamic import() expression, per spec.md §4.3.
const StartDynamicImportFuncName = "__jsruntime_startDynamicImport"

// DefineFactorySource returns the script that registers body (the output
// of Transform) as module id's factory, wiring its require() shim to
// resolve specifiers relative to id via ResolveFuncName, and its
// rewritten dynamic import() calls (see transform.go's
// DynamicImportCallName) to id's dynamic-import loader.
func DefineFactorySource(id int, body string) string {
	return fmt.Sprintf(`globalThis.__jsruntime_modules[%d] = function(module, exports) {
	var require = function(specifier) {
		return globalThis.__jsruntime_requireModule(globalThis.%s(%d, specifier));
	};
	var %s = function(specifier) {
		var promiseId = globalThis.%s(%d, specifier);
		return globalThis.__jsruntime_dynamicImport(promiseId);
	};
	(function(module, exports, require) {
%s
	})(module, exports, require);
};
`, id, ResolveFuncName, id, DynamicImportCallName, StartDynamicImportFuncName, id, body)
}

// InvokeExpression returns the expression that runs (or returns the
// cached exports of) module id — the JS side of
// Isolate.EvaluateModule/InvokeModuleFactory.
func InvokeExpression(id int) string {
	return fmt.Sprintf("globalThis.__jsruntime_requireModule(%d)", id)
}
