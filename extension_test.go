package jsruntime

import (
	"errors"
	"strings"
	"testing"
)

// extCompile registers every staged source straight into mm, recording
// the specifiers it saw, standing in for the Isolate's real compiler.
func extCompile(mm *ModuleMap, compiled *[]string) func(string, []byte, ImportKind) (ModuleId, []ModuleRequest, error) {
	return func(specifier string, src []byte, kind ImportKind) (ModuleId, []ModuleRequest, error) {
		*compiled = append(*compiled, specifier)
		id, err := mm.CreateModule(specifier, kind, false, nil)
		return id, nil, err
	}
}

func TestResolveExtensionsRegistersOpsAndStagesSources(t *testing.T) {
	mm := NewModuleMap()
	ops := NewOpRegistry(OpRegistryConfig{})
	state := NewOpState(AllowAll{})
	var compiled []string

	initRan := false
	exts := []Extension{{
		Name: "demo",
		Ops: []OpDecl{{Name: "demo_op", Sync: func(*OpState, []byte) ([]byte, error) {
			return []byte("ok"), nil
		}}},
		JsSources:     map[string]string{"ext:demo/demo.js": "export default 1;"},
		ESMEntryPoint: "ext:demo/demo.js",
		Init: func(s *OpState) error {
			initRan = true
			s.SetExt("demo", "seeded")
			return nil
		},
	}}

	bootstrap, err := resolveExtensions(exts, ops, state, extCompile(mm, &compiled))
	if err != nil {
		t.Fatalf("resolveExtensions: %v", err)
	}

	if _, ok := ops.Lookup("demo_op"); !ok {
		t.Fatal("expected demo_op to be registered")
	}
	if len(compiled) != 1 || compiled[0] != "ext:demo/demo.js" {
		t.Fatalf("expected the JS source to be compiled, got %v", compiled)
	}
	if !initRan || state.GetExt("demo") != "seeded" {
		t.Fatal("expected Init to run and seed OpState")
	}
	if len(bootstrap) != 1 || bootstrap[0] != "ext:demo/demo.js" {
		t.Fatalf("expected the ESM entry point in the bootstrap list, got %v", bootstrap)
	}
}

func TestResolveExtensionsEnforcesDepOrder(t *testing.T) {
	mm := NewModuleMap()
	var compiled []string

	// b depends on a; loading them in [a, b] order works.
	ordered := []Extension{{Name: "a"}, {Name: "b", Deps: []string{"a"}}}
	if _, err := resolveExtensions(ordered, NewOpRegistry(OpRegistryConfig{}), NewOpState(AllowAll{}), extCompile(mm, &compiled)); err != nil {
		t.Fatalf("resolveExtensions with satisfied deps: %v", err)
	}

	// [b, a] order fails: a is not loaded yet when b is resolved.
	reversed := []Extension{{Name: "b", Deps: []string{"a"}}, {Name: "a"}}
	_, err := resolveExtensions(reversed, NewOpRegistry(OpRegistryConfig{}), NewOpState(AllowAll{}), extCompile(NewModuleMap(), &compiled))
	if err == nil || !strings.Contains(err.Error(), `dependency "a"`) {
		t.Fatalf("expected a dependency-order error, got %v", err)
	}

	// A dep that exists nowhere fails the same way.
	missing := []Extension{{Name: "c", Deps: []string{"ghost"}}}
	if _, err := resolveExtensions(missing, NewOpRegistry(OpRegistryConfig{}), NewOpState(AllowAll{}), extCompile(NewModuleMap(), &compiled)); err == nil {
		t.Fatal("expected an error for a dep that is never loaded")
	}
}

func TestResolveExtensionsMiddlewareWrapsOwnSyncOps(t *testing.T) {
	mm := NewModuleMap()
	ops := NewOpRegistry(OpRegistryConfig{})
	var compiled []string

	var order []string
	exts := []Extension{{
		Name: "traced",
		Ops: []OpDecl{{Name: "traced_op", Sync: func(*OpState, []byte) ([]byte, error) {
			order = append(order, "op")
			return nil, nil
		}}},
		Middleware: func(next SyncOpFunc) SyncOpFunc {
			return func(state *OpState, args []byte) ([]byte, error) {
				order = append(order, "before")
				out, err := next(state, args)
				order = append(order, "after")
				return out, err
			}
		},
	}}
	if _, err := resolveExtensions(exts, ops, NewOpState(AllowAll{}), extCompile(mm, &compiled)); err != nil {
		t.Fatalf("resolveExtensions: %v", err)
	}

	id, _ := ops.Lookup("traced_op")
	if _, err := ops.DispatchSync(id, NewOpState(AllowAll{}), nil); err != nil {
		t.Fatalf("DispatchSync: %v", err)
	}
	if len(order) != 3 || order[0] != "before" || order[1] != "op" || order[2] != "after" {
		t.Fatalf("middleware wrapping order: got %v", order)
	}
}

func TestResolveExtensionsRejectsUnknownESMEntryPoint(t *testing.T) {
	mm := NewModuleMap()
	var compiled []string
	exts := []Extension{{
		Name:          "broken",
		ESMEntryPoint: "ext:broken/missing.js",
	}}
	if _, err := resolveExtensions(exts, NewOpRegistry(OpRegistryConfig{}), NewOpState(AllowAll{}), extCompile(mm, &compiled)); err == nil {
		t.Fatal("expected an error for an ESMEntryPoint missing from JsSources")
	}
}

func TestResolveExtensionsPropagatesInitError(t *testing.T) {
	mm := NewModuleMap()
	var compiled []string
	initErr := errors.New("seed failed")
	exts := []Extension{{
		Name: "failing",
		Init: func(*OpState) error { return initErr },
	}}
	_, err := resolveExtensions(exts, NewOpRegistry(OpRegistryConfig{}), NewOpState(AllowAll{}), extCompile(mm, &compiled))
	if !errors.Is(err, initErr) {
		t.Fatalf("expected the Init error to propagate, got %v", err)
	}
}
