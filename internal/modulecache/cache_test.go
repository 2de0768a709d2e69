package modulecache

import (
	"path/filepath"
	"testing"
)

func TestCacheStoreAndLookup(t *testing.T) {
	c, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer c.Close()

	src := []byte("export default 1;")
	hash := HashSource(src)

	if _, ok, err := c.Lookup("file:///a.js", hash); err != nil || ok {
		t.Fatalf("expected a miss before Store, got (ok=%v, err=%v)", ok, err)
	}

	if err := c.Store("file:///a.js", hash, "module.exports = 1;"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	body, ok, err := c.Lookup("file:///a.js", hash)
	if err != nil || !ok {
		t.Fatalf("expected a hit after Store, got (ok=%v, err=%v)", ok, err)
	}
	if body != "module.exports = 1;" {
		t.Fatalf("got %q", body)
	}
}

func TestCacheLookupMissesOnDifferentContentHash(t *testing.T) {
	c, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer c.Close()

	if err := c.Store("file:///a.js", HashSource([]byte("v1")), "body-v1"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if _, ok, err := c.Lookup("file:///a.js", HashSource([]byte("v2"))); err != nil || ok {
		t.Fatalf("expected a changed source to miss the cache, got (ok=%v, err=%v)", ok, err)
	}
}

func TestCacheStoreOverwritesSameKey(t *testing.T) {
	c, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer c.Close()

	hash := HashSource([]byte("same"))
	if err := c.Store("file:///a.js", hash, "first"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Store("file:///a.js", hash, "second"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	body, ok, err := c.Lookup("file:///a.js", hash)
	if err != nil || !ok || body != "second" {
		t.Fatalf("got (body=%q, ok=%v, err=%v), want (\"second\", true, nil)", body, ok, err)
	}
}

func TestCacheEvict(t *testing.T) {
	c, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer c.Close()

	hash := HashSource([]byte("x"))
	if err := c.Store("file:///a.js", hash, "body"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Evict("file:///a.js"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok, err := c.Lookup("file:///a.js", hash); err != nil || ok {
		t.Fatalf("expected a miss after Evict, got (ok=%v, err=%v)", ok, err)
	}
}

func TestHashSourceIsDeterministicAndSensitiveToContent(t *testing.T) {
	a := HashSource([]byte("hello"))
	b := HashSource([]byte("hello"))
	c := HashSource([]byte("world"))
	if a != b {
		t.Fatal("HashSource should be deterministic for identical input")
	}
	if a == c {
		t.Fatal("HashSource should differ for different input")
	}
}

func TestOpenRejectsPathTraversalAndEmptyDir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected Open(\"\") to fail")
	}
	if _, err := Open(filepath.Join("..", "escape")); err == nil {
		t.Fatal("expected Open to reject a data directory containing '..'")
	}
}

func TestOpenCreatesDataDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "cache")
	c, err := Open(sub)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	hash := HashSource([]byte("x"))
	if err := c.Store("file:///a.js", hash, "body"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	body, ok, err := c.Lookup("file:///a.js", hash)
	if err != nil || !ok || body != "body" {
		t.Fatalf("got (body=%q, ok=%v, err=%v)", body, ok, err)
	}
}
