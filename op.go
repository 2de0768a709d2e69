package jsruntime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// OpId identifies a registered op within an OpRegistry, stable for the
// lifetime of the Isolate it belongs to.
type OpId int

// Ref controls whether a pending async op keeps the event loop alive by
// itself (spec.md §4.4/§4.6's ref/unref accounting, shared between ops and
// timers).
type Ref int

const (
	Refed Ref = iota
	Unrefed
)

// SyncOpFunc is a synchronous op implementation: it runs on the calling
// goroutine inside the current Eval/op-dispatch call and returns (or
// throws) immediately.
type SyncOpFunc func(state *OpState, args []byte) ([]byte, error)

// AsyncOpFunc is an asynchronous op implementation: it runs on its own
// goroutine and reports its result to the dispatcher's completion queue
// when done. ctx is the context passed to OpRegistry.DispatchAsync; it is
// not tied to any CancelHandle.
type AsyncOpFunc func(ctx context.Context, state *OpState, args []byte) ([]byte, error)

// OpDecl declares one host function an Extension exposes to JS.
type OpDecl struct {
	Name  string
	Sync  SyncOpFunc // mutually exclusive with Async
	Async AsyncOpFunc
}

// opCompletion is one finished async op, queued for delivery to JS by the
// event loop's op-completion step.
type opCompletion struct {
	promiseId uint64
	result    []byte
	err       error
}

// OpRegistry holds every op declared by the extensions loaded into an
// Isolate and dispatches calls from JS to their Go implementations. It is
// the Go-side half of spec.md §4.4; the JS-side half (building a promise
// per async call, resolving/rejecting it from a completion) lives in the
// generated module-registry runtime source in internal/compiler.
type OpRegistry struct {
	cfg OpRegistryConfig

	mu     sync.RWMutex
	byName map[string]OpId
	decls  []OpDecl // index 0 unused; OpId i lives at decls[i]

	// The pending-op ledger: every in-flight async promiseId, with its
	// current refed status. Refedness is per promise id and mutable
	// while the op is in flight (RefOp/UnrefOp), not fixed at dispatch.
	pendingMu  sync.Mutex
	pendingOps map[uint64]bool // promiseId -> refed
	refedCount int

	completed chan opCompletion

	nextPromiseId atomic.Uint64
}

// NewOpRegistry returns an empty registry.
func NewOpRegistry(cfg OpRegistryConfig) *OpRegistry {
	qsize := cfg.MaxPendingOps
	if qsize <= 0 {
		qsize = 256
	}
	return &OpRegistry{
		cfg:        cfg,
		byName:     make(map[string]OpId),
		decls:      make([]OpDecl, 1),
		pendingOps: make(map[uint64]bool),
		completed:  make(chan opCompletion, qsize),
	}
}

// Register adds decl, returning its assigned OpId. Registering the same
// name twice is an error — extensions composed into the same Isolate must
// not collide.
func (r *OpRegistry) Register(decl OpDecl) (OpId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[decl.Name]; exists {
		return 0, fmt.Errorf("op %q is already registered", decl.Name)
	}
	id := OpId(len(r.decls))
	r.decls = append(r.decls, decl)
	r.byName[decl.Name] = id
	return id, nil
}

// Lookup returns the OpId for name, or ok=false.
func (r *OpRegistry) Lookup(name string) (OpId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// DispatchSync invokes a synchronous op immediately and returns its
// result or error to the caller (normally Isolate.dispatchSync, the Go
// backing of the RegisterFunc-installed __jsruntime_dispatchSync global).
func (r *OpRegistry) DispatchSync(id OpId, state *OpState, args []byte) ([]byte, error) {
	r.mu.RLock()
	decl := r.decls[id]
	r.mu.RUnlock()
	if decl.Sync == nil {
		return nil, fmt.Errorf("op %q is not synchronous", decl.Name)
	}
	return decl.Sync(state, args)
}

// DispatchAsync starts an async op on its own goroutine and returns the
// promiseId the JS side should associate with the eventual completion.
// If ref is Refed, the op counts toward EventLoop.HasPending until it
// completes; UnrefOp/RefOp can change that while it is in flight.
func (r *OpRegistry) DispatchAsync(ctx context.Context, id OpId, state *OpState, args []byte, ref Ref) uint64 {
	r.mu.RLock()
	decl := r.decls[id]
	r.mu.RUnlock()

	promiseId := r.trackPending(ref == Refed)

	go func() {
		result, err := decl.Async(ctx, state, args)
		r.completed <- opCompletion{promiseId: promiseId, result: result, err: err}
		r.untrackPending(promiseId)
	}()

	return promiseId
}

// FailAsync allocates a promiseId for an async call that never reached a
// real OpDecl (e.g. an unknown op name) and reports it as an already-failed
// completion through the same channel DispatchAsync's goroutines use, so
// callers don't need a placeholder OpDecl just to report the error via the
// normal completion-delivery path.
func (r *OpRegistry) FailAsync(err error) uint64 {
	promiseId := r.trackPending(true)
	go func() {
		r.completed <- opCompletion{promiseId: promiseId, err: err}
		r.untrackPending(promiseId)
	}()
	return promiseId
}

// trackPending records a fresh promiseId in the pending-op ledger and
// returns it.
func (r *OpRegistry) trackPending(refed bool) uint64 {
	promiseId := r.nextPromiseId.Add(1)
	r.pendingMu.Lock()
	r.pendingOps[promiseId] = refed
	if refed {
		r.refedCount++
	}
	r.pendingMu.Unlock()
	return promiseId
}

// untrackPending removes a completed op from the ledger. The completion
// is pushed to the queue first, so the op never stops holding the loop
// open before its result is observable.
func (r *OpRegistry) untrackPending(promiseId uint64) {
	r.pendingMu.Lock()
	if refed, ok := r.pendingOps[promiseId]; ok {
		delete(r.pendingOps, promiseId)
		if refed {
			r.refedCount--
		}
	}
	r.pendingMu.Unlock()
}

// RefOp marks an in-flight promiseId as keeping the event loop alive.
// Unknown or already-completed ids are a no-op.
func (r *OpRegistry) RefOp(promiseId uint64) {
	r.pendingMu.Lock()
	if refed, ok := r.pendingOps[promiseId]; ok && !refed {
		r.pendingOps[promiseId] = true
		r.refedCount++
	}
	r.pendingMu.Unlock()
}

// UnrefOp marks an in-flight promiseId as not keeping the event loop
// alive by itself. Unknown or already-completed ids are a no-op.
func (r *OpRegistry) UnrefOp(promiseId uint64) {
	r.pendingMu.Lock()
	if refed, ok := r.pendingOps[promiseId]; ok && refed {
		r.pendingOps[promiseId] = false
		r.refedCount--
	}
	r.pendingMu.Unlock()
}

// DrainCompletions delivers every currently-available finished async op
// result to deliver, without blocking for more to arrive. It is the
// op-completions step of the EventLoop's poll iteration (spec.md §4.5
// step 2).
func (r *OpRegistry) DrainCompletions(deliver func(promiseId uint64, result []byte, err error)) int {
	n := 0
	for {
		select {
		case c := <-r.completed:
			deliver(c.promiseId, c.result, c.err)
			n++
		default:
			return n
		}
	}
}

// HasPendingRefed reports whether any refed async op is still in flight —
// one of the EventLoop idleness predicate's inputs.
func (r *OpRegistry) HasPendingRefed() bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return r.refedCount > 0
}

// OpState is per-isolate mutable state ops read and write: resource
// tables, permission checks, cancellation handles keyed by a JS-visible
// resource id. It plays the role the teacher's RequestState played for a
// single Workers request, generalized to live for the whole Isolate
// rather than being cleared per request.
type OpState struct {
	Permissions Permissions

	mu        sync.Mutex
	resources map[uint32]any
	nextResId uint32
	cancels   map[uint32]*CancelHandle
	ext       map[string]any
}

// NewOpState returns a ready-to-use OpState. A nil perms argument is
// replaced with DenyAll, matching the "secure by default" posture of
// spec.md §6.
func NewOpState(perms Permissions) *OpState {
	if perms == nil {
		perms = DenyAll{}
	}
	return &OpState{
		Permissions: perms,
		resources:   make(map[uint32]any),
		cancels:     make(map[uint32]*CancelHandle),
	}
}

// AddResource stores val under a freshly allocated resource id and
// returns it. Ops use this to hand JS an opaque numeric handle for a Go
// object (an open file, a socket, a stream) without exposing the object
// itself across the engine boundary.
func (s *OpState) AddResource(val any) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextResId++
	id := s.nextResId
	s.resources[id] = val
	return id
}

// Resource retrieves the value previously stored under id, or ok=false.
func (s *OpState) Resource(id uint32) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resources[id]
	return v, ok
}

// RemoveResource deletes and returns the value stored under id.
func (s *OpState) RemoveResource(id uint32) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resources[id]
	delete(s.resources, id)
	return v, ok
}

// NewCancelResource allocates a CancelHandle, stores it as a resource
// (mirroring Deno's "cancel handles are resources too" design), and
// returns both its resource id and the handle itself.
func (s *OpState) NewCancelResource() (uint32, *CancelHandle) {
	h := NewCancelHandle()
	id := s.AddResource(h)
	s.mu.Lock()
	s.cancels[id] = h
	s.mu.Unlock()
	return id, h
}

// CancelResource cancels and removes the CancelHandle stored under id, if
// any. JS calls this when it drops a Cancelable's controller.
func (s *OpState) CancelResource(id uint32) {
	s.mu.Lock()
	h, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if ok {
		h.Cancel()
	}
}

// SetExt stores val under key in the extension-private namespace, for
// Extensions that need isolate-scoped state beyond the resource table
// (e.g. a console extension's buffered-output sink).
func (s *OpState) SetExt(key string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ext == nil {
		s.ext = make(map[string]any)
	}
	s.ext[key] = val
}

// GetExt retrieves the value stored under key, or nil.
func (s *OpState) GetExt(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ext == nil {
		return nil
	}
	return s.ext[key]
}
