package jsruntime

import "time"

// RejectionPolicy controls how long an unhandled promise rejection is
// allowed to sit before Isolate reports it as truly unhandled.
type RejectionPolicy int

const (
	// RejectAfterMacrotask ages a rejection across one full EventLoop
	// poll iteration before reporting it (this package's default).
	RejectAfterMacrotask RejectionPolicy = iota
	// RejectAfterMicrotask reports a rejection as soon as the current
	// microtask checkpoint completes with no handler attached.
	RejectAfterMicrotask
)

// IsolateConfig configures a single Isolate. It is a plain struct
// populated by the embedder; this package defines no flag or config-file
// parsing.
type IsolateConfig struct {
	// MemoryLimitMB bounds the engine's heap, when the backend supports
	// enforcing it (v8go: yes; quickjs: best-effort).
	MemoryLimitMB int

	// ExecutionTimeout, if positive, interrupts a module evaluation
	// (Isolate.EvaluateModule) that runs longer than this. Other Eval and
	// op calls are not timed.
	ExecutionTimeout time.Duration

	// MaxScriptSizeKB rejects module sources larger than this during
	// loading, before they reach the compiler.
	MaxScriptSizeKB int

	// PromiseRejectionPolicy controls unhandled-rejection aging. See
	// RejectionPolicy.
	PromiseRejectionPolicy RejectionPolicy

	// Permissions gates op access to read/write/net/env/run/sys
	// capabilities. A nil Permissions denies everything gated.
	Permissions Permissions

	// Inspector, if non-nil, is attached at construction time and
	// receives the isolate's debugging session.
	Inspector *InspectorConfig

	// OnUnhandledRejection, if set, is invoked once per promise rejection
	// that ages past PromiseRejectionPolicy with no handler ever attached
	// (EventLoop.Poll step 6). A nil value makes NewIsolate install a
	// default handler that logs each one with log.Print; in neither case
	// is an unhandled rejection isolate-fatal.
	OnUnhandledRejection func(promiseId uint64, reason string)
}

// OpRegistryConfig configures an OpRegistry independently of the Isolate
// it will be attached to, mainly so extensions can be unit tested without
// constructing a full Isolate.
type OpRegistryConfig struct {
	// MaxPendingOps sizes the buffer of the async-op completion queue;
	// zero or negative means 256. It does not limit how many async ops
	// are in flight: when the buffer is full, finished ops wait to
	// enqueue their completion.
	MaxPendingOps int
}
