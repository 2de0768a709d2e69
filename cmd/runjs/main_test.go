package main

import (
	"strings"
	"testing"
)

func TestResolveRootDataURI(t *testing.T) {
	specifier, src, err := resolveRoot("data:text/javascript,export default 1;")
	if err != nil {
		t.Fatalf("resolveRoot: %v", err)
	}
	if specifier != "data:text/javascript,export default 1;" {
		t.Fatalf("expected the data: URI to be kept verbatim as the specifier, got %q", specifier)
	}
	if string(src) != "export default 1;" {
		t.Fatalf("got inline source %q", src)
	}
}

func TestResolveRootMalformedDataURI(t *testing.T) {
	if _, _, err := resolveRoot("data:missing-comma"); err == nil {
		t.Fatal("expected a malformed data: URI with no comma to fail")
	}
}

func TestResolveRootFilePath(t *testing.T) {
	specifier, src, err := resolveRoot("main.js")
	if err != nil {
		t.Fatalf("resolveRoot: %v", err)
	}
	if src != nil {
		t.Fatalf("expected no inline source for a filesystem path, got %q", src)
	}
	if !strings.HasPrefix(specifier, "file://") {
		t.Fatalf("got %q, want a file:// specifier", specifier)
	}
	if !strings.HasSuffix(specifier, "/main.js") {
		t.Fatalf("got %q, want it to end in /main.js", specifier)
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("127.0.0.1:9229")
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}
	if host != "127.0.0.1" || port != 9229 {
		t.Fatalf("got (%q, %d), want (\"127.0.0.1\", 9229)", host, port)
	}
}

func TestSplitHostPortDefaultsEmptyHostToLoopback(t *testing.T) {
	host, port, err := splitHostPort(":9229")
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}
	if host != "127.0.0.1" || port != 9229 {
		t.Fatalf("got (%q, %d), want (\"127.0.0.1\", 9229)", host, port)
	}
}

func TestSplitHostPortRejectsMissingColon(t *testing.T) {
	if _, _, err := splitHostPort("9229"); err == nil {
		t.Fatal("expected an address with no colon to fail")
	}
}

func TestSplitHostPortRejectsNonNumericPort(t *testing.T) {
	if _, _, err := splitHostPort("localhost:abc"); err == nil {
		t.Fatal("expected a non-numeric port to fail")
	}
}

func TestRunRequiresExactlyOneSpecifier(t *testing.T) {
	if code := run(nil); code != 2 {
		t.Fatalf("got exit code %d, want 2 for a missing specifier", code)
	}
	if code := run([]string{"a.js", "b.js"}); code != 2 {
		t.Fatalf("got exit code %d, want 2 for too many specifiers", code)
	}
}

func TestRunRejectsBadInspectFlag(t *testing.T) {
	if code := run([]string{"-inspect", "not-a-host-port", "main.js"}); code != 2 {
		t.Fatalf("got exit code %d, want 2 for a malformed -inspect address", code)
	}
}
