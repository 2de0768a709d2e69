//go:build !quickjs

package jsruntime

import "github.com/flowlet/jsruntime/internal/v8engine"

// newEngine constructs the default Engine backend, github.com/tommie/v8go.
// Build with `-tags quickjs` to select internal/quickjs instead.
func newEngine(cfg IsolateConfig) (Engine, error) {
	return v8engine.New(v8engine.Config{
		MemoryLimitMB: cfg.MemoryLimitMB,
	})
}
