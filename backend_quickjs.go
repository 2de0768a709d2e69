//go:build quickjs

package jsruntime

import "github.com/flowlet/jsruntime/internal/quickjs"

// newEngine constructs the modernc.org/quickjs-backed Engine, selected by
// building with `-tags quickjs`.
func newEngine(cfg IsolateConfig) (Engine, error) {
	return quickjs.New(quickjs.Config{
		MemoryLimitMB: cfg.MemoryLimitMB,
	})
}
