package jsruntime

import "strconv"

// rejectionTrackerJS is a best-effort polyfill that assigns every promise
// a numeric id, detects rejections at the point they occur, and reports
// rejection/late-handling to Go via __reportRejected/__reportHandled,
// feeding EventLoop's aging queue (step 6 of the poll iteration). It
// replaces the teacher's DOM-EventTarget-dispatching version: this
// package does not ship an Event/EventTarget implementation (that is
// host/web-platform surface, out of scope per spec.md §1), so the signal
// here is a direct Go callback rather than a dispatched
// "unhandledrejection" event — an Extension that wants DOM-shaped events
// can still build them on top of this hook.
//
// Detection works the way every userland unhandled-rejection polyfill
// does in the absence of a native engine hook (neither v8go nor
// modernc.org/quickjs exposes V8's PromiseRejectCallback through this
// package's narrow Engine interface): every promise is tagged with an id
// via a WeakMap; the global Promise constructor is replaced with one that
// notices an initial rejection and schedules a microtask to check whether
// a rejection handler was attached synchronously before that microtask
// runs (the same timing V8's native tracker uses); .then/.catch mark a
// promise "handled" the instant a rejection handler is attached, even
// later than the initial check, so the aging queue (not a single
// microtask check) is still the source of truth for "truly unhandled".
const rejectionTrackerJS = `
(function() {
	let _nextId = 1;
	const _ids = new WeakMap();
	const _handled = new WeakSet();
	function idFor(p) {
		let id = _ids.get(p);
		if (id === undefined) {
			id = _nextId++;
			_ids.set(p, id);
		}
		return id;
	}

	const OrigPromise = globalThis.Promise;

	function TrackedPromise(executor) {
		const p = new OrigPromise(function(resolve, reject) {
			let settled = false;
			try {
				executor(resolve, function(reason) {
					settled = true;
					reject(reason);
					queueMicrotask(function() {
						if (!_handled.has(p)) {
							__reportRejected(idFor(p), String(reason));
						}
					});
				});
			} catch (e) {
				if (!settled) {
					reject(e);
					queueMicrotask(function() {
						if (!_handled.has(p)) {
							__reportRejected(idFor(p), String(e));
						}
					});
				}
			}
		});
		return p;
	}
	TrackedPromise.prototype = OrigPromise.prototype;
	TrackedPromise.resolve = OrigPromise.resolve.bind(OrigPromise);
	TrackedPromise.reject = OrigPromise.reject.bind(OrigPromise);
	TrackedPromise.all = OrigPromise.all.bind(OrigPromise);
	TrackedPromise.allSettled = OrigPromise.allSettled.bind(OrigPromise);
	TrackedPromise.race = OrigPromise.race.bind(OrigPromise);
	TrackedPromise.any = OrigPromise.any.bind(OrigPromise);

	const origThen = OrigPromise.prototype.then;
	OrigPromise.prototype.then = function(onFulfilled, onRejected) {
		if (typeof onRejected === 'function') {
			_handled.add(this);
			__reportHandled(idFor(this));
		}
		return origThen.call(this, onFulfilled, onRejected);
	};
	OrigPromise.prototype.catch = function(onRejected) {
		return this.then(undefined, onRejected);
	};

	globalThis.Promise = TrackedPromise;
})();
`

// setupRejectionTracking wires the rejection-tracker polyfill to el's
// aging queue via __reportRejected/__reportHandled globals.
func setupRejectionTracking(e Engine, el *EventLoop) error {
	if err := e.RegisterFunc("__reportRejected", func(id int, reason string) {
		el.NotePromiseRejected(uint64(id), reason)
	}); err != nil {
		return err
	}
	if err := e.RegisterFunc("__reportHandled", func(id int) {
		el.NotePromiseHandled(uint64(id))
	}); err != nil {
		return err
	}
	return e.Eval(rejectionTrackerJS)
}

// formatRejectionReason renders a JS rejection reason (already
// stringified engine-side, since Engine.Eval only deals in Go-native
// types) for the default unhandled-rejection log line NewIsolate installs.
func formatRejectionReason(id uint64, reason string) string {
	return "promise " + strconv.FormatUint(id, 10) + " rejected: " + reason
}
