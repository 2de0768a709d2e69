package compiler

import (
	"strings"
	"testing"
)

func TestDefineFactorySourceWiresRequireAndDynamicImport(t *testing.T) {
	src := DefineFactorySource(5, "module.exports = 1;")

	if !strings.Contains(src, "globalThis.__jsruntime_modules[5]") {
		t.Fatalf("expected the factory to be registered under id 5, got: %s", src)
	}
	if !strings.Contains(src, ResolveFuncName) {
		t.Fatalf("expected require() to be wired through %q, got: %s", ResolveFuncName, src)
	}
	if !strings.Contains(src, StartDynamicImportFuncName) {
		t.Fatalf("expected dynamic import to be wired through %q, got: %s", StartDynamicImportFuncName, src)
	}
	if !strings.Contains(src, DynamicImportCallName) {
		t.Fatalf("expected the per-module dynamic import wrapper to be named %q, got: %s", DynamicImportCallName, src)
	}
	if !strings.Contains(src, "module.exports = 1;") {
		t.Fatalf("expected the factory body to be embedded verbatim, got: %s", src)
	}
}

func TestInvokeExpressionReferencesRequireModule(t *testing.T) {
	expr := InvokeExpression(42)
	want := "globalThis.__jsruntime_requireModule(42)"
	if expr != want {
		t.Fatalf("got %q, want %q", expr, want)
	}
}

func TestBootstrapSourceIsRegistryThenOpRuntime(t *testing.T) {
	// RegistrySource must install __jsruntime_requireModule before
	// opRuntimeSource's dynamic-import settlement code references it.
	defIdx := strings.Index(BootstrapSource, "global.__jsruntime_requireModule = function")
	useIdx := strings.Index(BootstrapSource, "__jsruntime_settleDynamicImport = function")
	if defIdx == -1 || useIdx == -1 || defIdx > useIdx {
		t.Fatalf("expected __jsruntime_requireModule's definition before opRuntimeSource in BootstrapSource")
	}
}

func TestRegistrySourceGuardsAgainstDoubleInstall(t *testing.T) {
	if !strings.Contains(RegistrySource, "if (global.__jsruntime_modules) return;") {
		t.Fatal("expected RegistrySource to be idempotent against repeated evaluation")
	}
}
