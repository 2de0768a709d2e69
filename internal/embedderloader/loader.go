// Package embedderloader is an example jsruntime.ModuleLoader: it resolves
// bare/relative specifiers against a referrer the way a browser or Node
// resolves `file:`/`http(s):` specifiers, and fetches module bytes from
// disk or over HTTP. The core package ships no loader of its own (spec.md
// §1's non-goal: filesystem/network access belongs to the embedder), so
// this is reference material for cmd/runjs and other embedders, not a
// dependency of the core.
package embedderloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/idna"

	"github.com/flowlet/jsruntime"
	"github.com/flowlet/jsruntime/internal/modulecache"
)

// Loader resolves and loads `file:` and `http(s):` specifiers. A nil Cache
// disables compiled-output caching (Load still works; it just always
// returns fresh bytes for the caller to compile).
type Loader struct {
	Client *http.Client
	Cache  *modulecache.Cache
}

// New constructs a Loader with a bounded-timeout http.Client, matching the
// teacher's fetch.go convention of never using http.DefaultClient directly
// for outbound requests.
func New(cache *modulecache.Cache) *Loader {
	return &Loader{
		Client: &http.Client{Timeout: 30 * time.Second},
		Cache:  cache,
	}
}

// Resolve implements jsruntime.ModuleLoader.
func (l *Loader) Resolve(specifier, referrer string) (string, error) {
	if referrer == "" {
		return normalizeSpecifier(specifier)
	}
	refURL, err := url.Parse(referrer)
	if err != nil {
		return "", fmt.Errorf("embedderloader: invalid referrer %q: %w", referrer, err)
	}
	specURL, err := url.Parse(specifier)
	if err != nil {
		return "", fmt.Errorf("embedderloader: invalid specifier %q: %w", specifier, err)
	}
	resolved := refURL.ResolveReference(specURL)
	return normalizeSpecifier(resolved.String())
}

// normalizeSpecifier parses spec as a URL and, for file/http(s) schemes with
// a host component, normalizes it through IDNA so Unicode hostnames compare
// equal to their ASCII (punycode) form regardless of how the author typed
// them — the one place in this package idna.Lookup actually matters, since
// file: URLs never carry a meaningful host.
func normalizeSpecifier(spec string) (string, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("embedderloader: parsing specifier %q: %w", spec, err)
	}
	if u.Host == "" {
		return u.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil {
		return "", fmt.Errorf("embedderloader: normalizing host %q: %w", u.Hostname(), err)
	}
	if port := u.Port(); port != "" {
		u.Host = ascii + ":" + port
	} else {
		u.Host = ascii
	}
	return u.String(), nil
}

// Load implements jsruntime.ModuleLoader. For file: specifiers it reads the
// local filesystem; for http(s): specifiers it issues a GET, following the
// teacher's fetch.go redirect-to-finalName convention (a redirected request
// returns its post-redirect URL as finalName so the caller aliases the
// original specifier to it).
func (l *Loader) Load(ctx context.Context, name string, kind jsruntime.ImportKind) ([]byte, string, error) {
	u, err := url.Parse(name)
	if err != nil {
		return nil, "", fmt.Errorf("embedderloader: parsing %q: %w", name, err)
	}

	var src []byte
	finalName := ""

	switch u.Scheme {
	case "file", "":
		path := u.Path
		if u.Scheme == "" {
			path = name
		}
		data, readErr := os.ReadFile(filepath.FromSlash(path))
		if readErr != nil {
			return nil, "", fmt.Errorf("embedderloader: reading %q: %w", path, readErr)
		}
		src = data
	case "http", "https":
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, name, nil)
		if reqErr != nil {
			return nil, "", fmt.Errorf("embedderloader: building request for %q: %w", name, reqErr)
		}
		resp, doErr := l.Client.Do(req)
		if doErr != nil {
			return nil, "", fmt.Errorf("embedderloader: fetching %q: %w", name, doErr)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, "", fmt.Errorf("embedderloader: fetching %q: HTTP %d", name, resp.StatusCode)
		}
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, "", fmt.Errorf("embedderloader: reading body of %q: %w", name, readErr)
		}
		src = body
		if resp.Request != nil && resp.Request.URL.String() != name {
			finalName = resp.Request.URL.String()
		}
	default:
		return nil, "", fmt.Errorf("embedderloader: unsupported scheme %q in %q", u.Scheme, name)
	}

	return src, finalName, nil
}

// CachedFactory returns a previously cached compiled factory body for name's
// current bytes, letting the caller (Isolate's compile path) skip internal/compiler's
// esbuild transform entirely on a cache hit. StoreFactory records the
// result once the caller does compile.
func (l *Loader) CachedFactory(name string, src []byte) (factoryBody string, ok bool) {
	if l.Cache == nil {
		return "", false
	}
	body, found, err := l.Cache.Lookup(name, modulecache.HashSource(src))
	if err != nil || !found {
		return "", false
	}
	return body, true
}

// StoreFactory records factoryBody as the compiled output for name's
// current bytes.
func (l *Loader) StoreFactory(name string, src []byte, factoryBody string) error {
	if l.Cache == nil {
		return nil
	}
	return l.Cache.Store(name, modulecache.HashSource(src), factoryBody)
}

// FileSpecifier builds a file: specifier from a local filesystem path,
// accepting both absolute and relative paths.
func FileSpecifier(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("embedderloader: resolving %q: %w", path, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

var (
	_ jsruntime.ModuleLoader = (*Loader)(nil)
	_ jsruntime.FactoryCache = (*Loader)(nil)
)
