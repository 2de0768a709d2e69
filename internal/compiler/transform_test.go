package compiler

import (
	"strings"
	"testing"
)

func TestTransformJSON(t *testing.T) {
	body, requests, err := Transform("file:///data.json", []byte(`{"a":1}`), Json)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if requests != nil {
		t.Fatalf("expected no requests for a JSON module, got %v", requests)
	}
	if !strings.Contains(body, `module.exports = ({"a":1});`) {
		t.Fatalf("unexpected JSON factory body: %q", body)
	}
}

func TestTransformJSONRejectsInvalidJSON(t *testing.T) {
	if _, _, err := Transform("file:///bad.json", []byte("{not json"), Json); err == nil {
		t.Fatal("expected an error for invalid JSON source")
	}
}

func TestTransformDiscoversStaticRequests(t *testing.T) {
	src := `
import foo from "./foo.js";
import { bar } from "./bar.js";
import "./side-effect.js";
export { baz } from "./baz.js";
import data from "./data.json" with { type: "json" };
foo(); bar(); baz();
`
	_, requests, err := Transform("file:///main.js", []byte(src), JavaScriptOrWasm)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	want := map[string]ImportKind{
		"./foo.js":         JavaScriptOrWasm,
		"./bar.js":         JavaScriptOrWasm,
		"./side-effect.js": JavaScriptOrWasm,
		"./baz.js":         JavaScriptOrWasm,
		"./data.json":      Json,
	}
	if len(requests) != len(want) {
		t.Fatalf("got %d requests, want %d: %+v", len(requests), len(want), requests)
	}
	for _, r := range requests {
		kind, ok := want[r.Specifier]
		if !ok {
			t.Fatalf("unexpected request %q", r.Specifier)
		}
		if kind != r.Kind {
			t.Fatalf("request %q: got kind %v, want %v", r.Specifier, r.Kind, kind)
		}
	}
}

func TestTransformRewritesDynamicImportBeforeESBuild(t *testing.T) {
	src := `export default function() { return import("./lazy.js"); }`
	body, requests, err := Transform("file:///main.js", []byte(src), JavaScriptOrWasm)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if strings.Contains(body, "import(") {
		t.Fatalf("expected no literal import() survives into the CommonJS output, got: %s", body)
	}
	if !strings.Contains(body, DynamicImportCallName) {
		t.Fatalf("expected the rewritten call name %q in the output, got: %s", DynamicImportCallName, body)
	}
	// Dynamic imports are never part of the static request set.
	for _, r := range requests {
		if r.Specifier == "./lazy.js" {
			t.Fatal("a dynamic import() must not appear in the static Requests list")
		}
	}
}

func TestTransformProducesCommonJSOutput(t *testing.T) {
	src := `export const x = 1; export default x;`
	body, _, err := Transform("file:///main.js", []byte(src), JavaScriptOrWasm)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !strings.Contains(body, "exports") {
		t.Fatalf("expected CommonJS-style `exports` assignment in output, got: %s", body)
	}
}

func TestTransformReportsSyntaxErrors(t *testing.T) {
	if _, _, err := Transform("file:///bad.js", []byte("const = ;"), JavaScriptOrWasm); err == nil {
		t.Fatal("expected a syntax error for malformed JS source")
	}
}

func TestTransformHandlesTypeScriptByExtension(t *testing.T) {
	src := `const x: number = 1; export default x;`
	body, _, err := Transform("file:///main.ts", []byte(src), JavaScriptOrWasm)
	if err != nil {
		t.Fatalf("Transform of a .ts specifier should use the TS loader: %v", err)
	}
	if strings.Contains(body, ": number") {
		t.Fatalf("expected the type annotation to be stripped by the TS loader, got: %s", body)
	}
}
