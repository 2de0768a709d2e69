package jsruntime

import (
	"fmt"
	"sync"
	"time"
)

// PendingDynamicImport is one outstanding `import()` expression whose
// target module graph is still loading on a background goroutine.
type PendingDynamicImport struct {
	promiseId uint64
	resultCh  <-chan dynamicImportResult
}

type dynamicImportResult struct {
	moduleId ModuleId
	err      error
}

// rejectedPromise tracks one promise that rejected with no handler
// attached yet, aged across poll iterations per IsolateConfig's
// PromiseRejectionPolicy before being reported as unhandled.
type rejectedPromise struct {
	promiseId uint64
	reason    string
	age       int
}

// EventLoop drives the seven-step poll iteration of spec.md §4.5:
// drain microtasks, deliver op completions, settle finished dynamic
// imports, fire due timers, poll the inspector, age unhandled
// rejections, then decide idleness. It owns no engine state directly;
// Isolate.PollEventLoop calls Poll once per turn, and Isolate.Run loops
// over PollEventLoop until Poll reports idle or an error.
type EventLoop struct {
	engine Engine
	ops    *OpRegistry
	timers *WebTimers
	mm     *ModuleMap

	mu                  sync.Mutex
	pendingImports      []*PendingDynamicImport
	unhandledRejections map[uint64]*rejectedPromise
	rejectionPolicy     RejectionPolicy

	inspectorPoll        func() bool // returns true if the inspector did work
	inspectorHasBlocking func() bool // returns true if a blocking inspector session is attached

	deliverOpCompletion func(promiseId uint64, result []byte, err error)
	settleDynamicImport func(promiseId uint64, moduleId ModuleId, err error)
	fireTimerCallback   func(id TimerId)
	reportUnhandled     func(promiseId uint64, reason string)
}

// NewEventLoop wires an EventLoop to the given engine and subsystems. The
// deliver/settle/fire/report callbacks are supplied by Isolate, which
// knows how to reach into the engine to resolve/reject/call the
// appropriate JS-side promise or callback table entry.
func NewEventLoop(engine Engine, ops *OpRegistry, timers *WebTimers, mm *ModuleMap, policy RejectionPolicy) *EventLoop {
	return &EventLoop{
		engine:              engine,
		ops:                 ops,
		timers:              timers,
		mm:                  mm,
		unhandledRejections: make(map[uint64]*rejectedPromise),
		rejectionPolicy:     policy,
	}
}

// AddDynamicImport registers a background dynamic-import load whose
// result will be delivered on a future Poll call.
func (el *EventLoop) AddDynamicImport(promiseId uint64, resultCh <-chan dynamicImportResult) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.pendingImports = append(el.pendingImports, &PendingDynamicImport{promiseId: promiseId, resultCh: resultCh})
}

// NotePromiseRejected records promiseId as rejected-with-reason for aging.
// A host promise-rejection callback calls this; NotePromiseHandled cancels
// the aging if a handler is attached before it is reported.
func (el *EventLoop) NotePromiseRejected(promiseId uint64, reason string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.unhandledRejections[promiseId] = &rejectedPromise{promiseId: promiseId, reason: reason}
}

// NotePromiseHandled removes promiseId from the rejection-aging set.
func (el *EventLoop) NotePromiseHandled(promiseId uint64) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.unhandledRejections, promiseId)
}

// Poll runs exactly one iteration of the seven-step loop and reports
// whether the isolate is now idle (nothing left to wait on). Isolate's
// PollEventLoop calls this once; Isolate.Run repeats that, sleeping
// briefly between iterations, until idle or context cancellation.
func (el *EventLoop) Poll() (idle bool, err error) {
	// 1. Drain microtasks.
	el.engine.RunMicrotasks()

	// 2. Deliver finished async op completions.
	el.ops.DrainCompletions(func(promiseId uint64, result []byte, opErr error) {
		if el.deliverOpCompletion != nil {
			el.deliverOpCompletion(promiseId, result, opErr)
		}
	})
	el.engine.RunMicrotasks()

	// 3. Settle finished dynamic imports.
	el.mu.Lock()
	imports := el.pendingImports
	el.pendingImports = nil
	el.mu.Unlock()
	var stillPending []*PendingDynamicImport
	for _, pi := range imports {
		select {
		case res := <-pi.resultCh:
			if el.settleDynamicImport != nil {
				el.settleDynamicImport(pi.promiseId, res.moduleId, res.err)
			}
		default:
			stillPending = append(stillPending, pi)
		}
	}
	if len(stillPending) > 0 {
		el.mu.Lock()
		el.pendingImports = append(stillPending, el.pendingImports...)
		el.mu.Unlock()
	}
	el.engine.RunMicrotasks()

	// 4. Fire due timers.
	if el.timers != nil {
		el.timers.Fire(time.Now(), func(id TimerId) {
			if el.fireTimerCallback != nil {
				el.fireTimerCallback(id)
			}
		})
		el.engine.RunMicrotasks()
	}

	// 5. Poll the inspector (message pump, if attached).
	inspectorDidWork := false
	if el.inspectorPoll != nil {
		inspectorDidWork = el.inspectorPoll()
	}

	// 6. Age unhandled rejections; report any that have aged out.
	el.ageRejections()

	// 7. Idleness: nothing pending anywhere.
	el.mu.Lock()
	hasImports := len(el.pendingImports) > 0
	el.mu.Unlock()
	hasOps := el.ops.HasPendingRefed()
	hasTimers := el.timers != nil && el.timers.HasRefed()
	hasBlockingInspector := el.inspectorHasBlocking != nil && el.inspectorHasBlocking()

	idle = !hasImports && !hasOps && !hasTimers && !inspectorDidWork && !hasBlockingInspector
	return idle, nil
}

// ageRejections advances the age of every tracked rejection and reports
// (removes and invokes reportUnhandled for) those that have aged past the
// configured policy threshold.
func (el *EventLoop) ageRejections() {
	el.mu.Lock()
	var toReport []*rejectedPromise
	threshold := 1 // one full Poll iteration, i.e. RejectAfterMacrotask
	if el.rejectionPolicy == RejectAfterMicrotask {
		threshold = 0
	}
	for id, r := range el.unhandledRejections {
		r.age++
		if r.age > threshold {
			toReport = append(toReport, r)
			delete(el.unhandledRejections, id)
		}
	}
	el.mu.Unlock()

	for _, r := range toReport {
		if el.reportUnhandled != nil {
			el.reportUnhandled(r.promiseId, r.reason)
		}
	}
}

// HasPending reports whether any of imports/ops/timers currently keep the
// loop alive, without running a poll iteration. Isolate.Dispose does not
// consult it.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	hasImports := len(el.pendingImports) > 0
	el.mu.Unlock()
	return hasImports || el.ops.HasPendingRefed() || (el.timers != nil && el.timers.HasRefed())
}

// Diagnose reports a *StalledTLAError for the first module (main module
// preferred) whose top-level evaluation promise has neither resolved nor
// rejected. Isolate.Run calls it when Poll reports idle while
// pendingEvaluations is non-empty — restored from original_source's
// find_stalled_top_level_await (see SPEC_FULL.md §4).
func (el *EventLoop) Diagnose(pendingEvaluations map[ModuleId]bool) error {
	if mainId, ok := el.mm.MainModule(); ok && pendingEvaluations[mainId] {
		return &StalledTLAError{ModuleName: el.mm.Info(mainId).Name}
	}
	for id, pending := range pendingEvaluations {
		if pending {
			info := el.mm.Info(id)
			name := fmt.Sprintf("module#%d", id)
			if info != nil {
				name = info.Name
			}
			return &StalledTLAError{ModuleName: name}
		}
	}
	return nil
}
