package jsruntime

import "sync"

// Canceled is returned by an in-flight operation when its CancelHandle is
// canceled before it completes.
var Canceled = &CancellationError{}

// CancelHandle is the intrusive cancellation primitive ops register
// against, grounded on original_source's libs/core/async_cancel.rs
// CancelHandle/Cancelable pair: cancellation is represented as an
// idempotent flag plus a list (slice) of wakers to notify, rather than a
// context.Context tree, so a single handle can gate many heterogeneous
// waiters (channels, condition variables, engine interrupts) cheaply.
type CancelHandle struct {
	mu       sync.Mutex
	canceled bool
	wakers   []func()
}

// NewCancelHandle returns a fresh, not-yet-canceled handle.
func NewCancelHandle() *CancelHandle {
	return &CancelHandle{}
}

// Cancel marks the handle canceled and invokes every registered waker
// exactly once. Calling Cancel more than once is a no-op after the first.
func (h *CancelHandle) Cancel() {
	h.mu.Lock()
	if h.canceled {
		h.mu.Unlock()
		return
	}
	h.canceled = true
	wakers := h.wakers
	h.wakers = nil
	h.mu.Unlock()

	for _, w := range wakers {
		if w != nil { // slot cleared by an unregister
			w()
		}
	}
}

// IsCanceled reports whether Cancel has been called.
func (h *CancelHandle) IsCanceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

// onCancel registers waker to run when the handle is canceled. If the
// handle is already canceled, waker runs immediately (synchronously, on
// the calling goroutine) and is not stored. It returns an unregister
// function the caller should invoke once it no longer cares (e.g. because
// the operation finished on its own), so that waker is not run on a later
// Cancel. Unregistering clears the waker's slot; it does not shrink the
// handle's waker list.
func (h *CancelHandle) onCancel(waker func()) (unregister func()) {
	h.mu.Lock()
	if h.canceled {
		h.mu.Unlock()
		waker()
		return func() {}
	}
	idx := len(h.wakers)
	h.wakers = append(h.wakers, waker)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if idx < len(h.wakers) {
			h.wakers[idx] = nil
		}
	}
}

// Cancelable wraps a blocking Go operation so it resolves early with
// Canceled if handle is canceled before fn's own completion. fn must
// accept being abandoned: once Cancelable returns due to cancellation, it
// does not wait for fn, so fn should itself observe handle.IsCanceled()
// where practical to stop promptly and release resources. This mirrors
// async_cancel.rs's Cancelable::or_cancel combinator, adapted to Go's
// channel-based concurrency instead of Rust's pinned-future polling.
func Cancelable[T any](handle *CancelHandle, fn func() (T, error)) (T, error) {
	var zero T
	if handle == nil {
		return fn()
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	canceled := make(chan struct{})
	unregister := handle.onCancel(func() { close(canceled) })
	defer unregister()

	select {
	case r := <-done:
		return r.val, r.err
	case <-canceled:
		return zero, Canceled
	}
}

// TryCancel reports Canceled immediately if handle is already canceled,
// so a caller can skip starting its operation at all — the fast-path
// check async_cancel.rs's TryCancelable performs before polling its
// wrapped future.
func TryCancel(handle *CancelHandle) error {
	if handle != nil && handle.IsCanceled() {
		return Canceled
	}
	return nil
}
