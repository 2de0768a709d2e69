// Command runjs is a minimal embedder around the jsruntime core: it loads
// one main module, drives the event loop to completion, and reports exit
// codes the way spec.md §6's CLI non-goal still expects *some* reference
// embedder to demonstrate (the core itself defines no CLI or config
// format). Grounded on the teacher's own cmd-less worker.go entry point's
// "construct engine, load script, run to completion" shape, generalized
// to a standalone process instead of a per-request Workers invocation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	jsruntime "github.com/flowlet/jsruntime"
	"github.com/flowlet/jsruntime/internal/embedderloader"
	"github.com/flowlet/jsruntime/internal/modulecache"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("runjs", flag.ContinueOnError)
	allowAll := fs.Bool("allow-all", false, "grant every permission check (read/write/net/env/run/sys)")
	inspect := fs.String("inspect", "", "host:port to serve a Chrome DevTools Protocol inspector on")
	waitForDebugger := fs.Bool("inspect-brk", false, "with -inspect, wait for a debugger session to attach before running the main module")
	timeout := fs.Duration("timeout", 0, "abort the main module's evaluation after this long (0 disables)")
	cacheDir := fs.String("cache-dir", "", "directory for the compiled-module cache (disabled if empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: runjs [flags] <specifier>")
		return 2
	}
	specifier := fs.Arg(0)

	var cache *modulecache.Cache
	if *cacheDir != "" {
		c, err := modulecache.Open(*cacheDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "runjs:", err)
			return 1
		}
		defer c.Close()
		cache = c
	}
	loader := embedderloader.New(cache)

	cfg := jsruntime.IsolateConfig{
		ExecutionTimeout: *timeout,
		Permissions:      jsruntime.DenyAll{},
	}
	if *allowAll {
		cfg.Permissions = jsruntime.AllowAll{}
	}
	if *inspect != "" {
		host, port, err := splitHostPort(*inspect)
		if err != nil {
			fmt.Fprintln(os.Stderr, "runjs:", err)
			return 2
		}
		cfg.Inspector = &jsruntime.InspectorConfig{
			Host:           host,
			Port:           port,
			WaitForSession: *waitForDebugger,
		}
	}

	iso, err := jsruntime.NewIsolate(cfg, loader, []jsruntime.Extension{consoleExtension()})
	if err != nil {
		fmt.Fprintln(os.Stderr, "runjs: constructing isolate:", err)
		return 1
	}
	defer iso.Dispose()

	ctx := context.Background()

	rootSpecifier, inlineSource, err := resolveRoot(specifier)
	if err != nil {
		fmt.Fprintln(os.Stderr, "runjs:", err)
		return 1
	}

	mainId, err := iso.LoadMainModule(ctx, rootSpecifier, inlineSource)
	if err != nil {
		return reportAndClassify(err)
	}
	if err := iso.InstantiateModule(mainId); err != nil {
		return reportAndClassify(err)
	}
	if err := iso.EvaluateModule(ctx, mainId); err != nil {
		return reportAndClassify(err)
	}
	if err := iso.Run(ctx); err != nil {
		return reportAndClassify(err)
	}
	return 0
}

// resolveRoot turns the CLI's positional specifier into a (specifier,
// inlineSource) pair: for a `data:` URI the text after the first comma is
// taken verbatim (no percent- or base64-decoding) as the inline body so
// LoadMainModule never fetches it (spec.md §8's "compiles without fetch"
// boundary behavior); anything else is turned into a file: specifier by
// embedderloader.FileSpecifier and left for LoadMainModule to fetch.
func resolveRoot(specifier string) (string, []byte, error) {
	if strings.HasPrefix(specifier, "data:") {
		idx := strings.IndexByte(specifier, ',')
		if idx < 0 {
			return "", nil, fmt.Errorf("malformed data: URI %q", specifier)
		}
		return specifier, []byte(specifier[idx+1:]), nil
	}
	abs, err := embedderloader.FileSpecifier(specifier)
	if err != nil {
		return "", nil, err
	}
	return abs, nil, nil
}

// reportAndClassify prints err and returns its exit code: 13 when err is
// (or wraps) a *jsruntime.PermissionError, and 1 for every other failure
// (load/link/parse failure, a thrown or rejected JsError, an engine-fatal
// condition).
func reportAndClassify(err error) int {
	fmt.Fprintln(os.Stderr, "runjs:", err)
	var permErr *jsruntime.PermissionError
	if errors.As(err, &permErr) {
		return 13
	}
	return 1
}

func splitHostPort(addr string) (host string, port int, err error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("invalid -inspect address %q, want host:port", addr)
	}
	host = addr[:i]
	if host == "" {
		host = "127.0.0.1"
	}
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid -inspect port in %q: %w", addr, err)
	}
	return host, port, nil
}
