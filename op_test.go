package jsruntime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpRegistryRegisterAndLookup(t *testing.T) {
	r := NewOpRegistry(OpRegistryConfig{})
	id, err := r.Register(OpDecl{Name: "echo", Sync: func(state *OpState, args []byte) ([]byte, error) {
		return args, nil
	}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Lookup("echo")
	if !ok || got != id {
		t.Fatalf("Lookup: got (%v, %v), want (%v, true)", got, ok, id)
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("expected Lookup to fail for an unregistered name")
	}
}

func TestOpRegistryRejectsDuplicateName(t *testing.T) {
	r := NewOpRegistry(OpRegistryConfig{})
	decl := OpDecl{Name: "dup", Sync: func(*OpState, []byte) ([]byte, error) { return nil, nil }}
	if _, err := r.Register(decl); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register(decl); err == nil {
		t.Fatal("expected an error registering the same op name twice")
	}
}

func TestOpRegistryDispatchSync(t *testing.T) {
	r := NewOpRegistry(OpRegistryConfig{})
	id, _ := r.Register(OpDecl{Name: "upper", Sync: func(state *OpState, args []byte) ([]byte, error) {
		out := make([]byte, len(args))
		for i, b := range args {
			if b >= 'a' && b <= 'z' {
				b -= 'a' - 'A'
			}
			out[i] = b
		}
		return out, nil
	}})

	state := NewOpState(AllowAll{})
	out, err := r.DispatchSync(id, state, []byte("hi"))
	if err != nil {
		t.Fatalf("DispatchSync: %v", err)
	}
	if string(out) != "HI" {
		t.Fatalf("got %q, want %q", out, "HI")
	}
}

func TestOpRegistryDispatchSyncOnAsyncOpFails(t *testing.T) {
	r := NewOpRegistry(OpRegistryConfig{})
	id, _ := r.Register(OpDecl{Name: "asyncOnly", Async: func(context.Context, *OpState, []byte) ([]byte, error) {
		return nil, nil
	}})
	if _, err := r.DispatchSync(id, NewOpState(AllowAll{}), nil); err == nil {
		t.Fatal("expected DispatchSync on an async-only op to fail")
	}
}

func TestOpRegistryDispatchAsyncDeliversCompletion(t *testing.T) {
	r := NewOpRegistry(OpRegistryConfig{})
	id, _ := r.Register(OpDecl{Name: "double", Async: func(ctx context.Context, state *OpState, args []byte) ([]byte, error) {
		return append(args, args...), nil
	}})

	promiseId := r.DispatchAsync(context.Background(), id, NewOpState(AllowAll{}), []byte("x"), Refed)
	if !r.HasPendingRefed() {
		t.Fatal("expected a refed async op to be pending immediately after dispatch")
	}

	deadline := time.After(time.Second)
	for {
		var (
			gotId  uint64
			result []byte
			opErr  error
			n      int
		)
		n = r.DrainCompletions(func(pid uint64, res []byte, err error) {
			gotId, result, opErr = pid, res, err
		})
		if n > 0 {
			if gotId != promiseId {
				t.Fatalf("got promiseId %d, want %d", gotId, promiseId)
			}
			if opErr != nil || string(result) != "xx" {
				t.Fatalf("got (%q, %v), want (\"xx\", nil)", result, opErr)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the async op completion")
		case <-time.After(time.Millisecond):
		}
	}

	// The ledger entry is cleared after the completion is queued, so
	// give the dispatch goroutine a moment to finish its bookkeeping.
	for deadline := time.Now().Add(time.Second); r.HasPendingRefed(); {
		if time.Now().After(deadline) {
			t.Fatal("expected no refed ops pending once the async op has completed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOpRegistryDispatchAsyncUnrefedDoesNotBlockIdle(t *testing.T) {
	r := NewOpRegistry(OpRegistryConfig{})
	id, _ := r.Register(OpDecl{Name: "noop", Async: func(context.Context, *OpState, []byte) ([]byte, error) {
		return nil, nil
	}})
	r.DispatchAsync(context.Background(), id, NewOpState(AllowAll{}), nil, Unrefed)
	if r.HasPendingRefed() {
		t.Fatal("an unrefed async op must not count toward HasPendingRefed")
	}
}

func TestOpRegistryFailAsyncDeliversAnError(t *testing.T) {
	r := NewOpRegistry(OpRegistryConfig{})
	wantErr := errors.New("no such op")
	promiseId := r.FailAsync(wantErr)

	deadline := time.After(time.Second)
	for {
		var gotErr error
		var gotId uint64
		n := r.DrainCompletions(func(pid uint64, _ []byte, err error) {
			gotId, gotErr = pid, err
		})
		if n > 0 {
			if gotId != promiseId {
				t.Fatalf("got promiseId %d, want %d", gotId, promiseId)
			}
			if !errors.Is(gotErr, wantErr) {
				t.Fatalf("got err %v, want %v", gotErr, wantErr)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for FailAsync's completion")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestOpRegistryPromiseIdsStartAtOneAndGrow(t *testing.T) {
	r := NewOpRegistry(OpRegistryConfig{})
	id, _ := r.Register(OpDecl{Name: "nop", Async: func(context.Context, *OpState, []byte) ([]byte, error) {
		return nil, nil
	}})

	first := r.DispatchAsync(context.Background(), id, NewOpState(AllowAll{}), nil, Unrefed)
	second := r.DispatchAsync(context.Background(), id, NewOpState(AllowAll{}), nil, Unrefed)
	if first != 1 {
		t.Fatalf("first promiseId: got %d, want 1", first)
	}
	if second != 2 {
		t.Fatalf("second promiseId: got %d, want 2", second)
	}
}

func TestOpRegistryRefUnrefInFlightOp(t *testing.T) {
	r := NewOpRegistry(OpRegistryConfig{})
	release := make(chan struct{})
	id, _ := r.Register(OpDecl{Name: "block", Async: func(ctx context.Context, state *OpState, args []byte) ([]byte, error) {
		<-release
		return nil, nil
	}})

	promiseId := r.DispatchAsync(context.Background(), id, NewOpState(AllowAll{}), nil, Refed)
	if !r.HasPendingRefed() {
		t.Fatal("expected the op to be refed at dispatch")
	}

	r.UnrefOp(promiseId)
	if r.HasPendingRefed() {
		t.Fatal("UnrefOp should stop the op from holding the loop open")
	}

	// Unref twice, ref once: refedness is a per-promise flag, not a
	// counter, so this lands back at refed.
	r.UnrefOp(promiseId)
	r.RefOp(promiseId)
	if !r.HasPendingRefed() {
		t.Fatal("RefOp should re-ref an unrefed in-flight op")
	}

	// Unknown ids are a no-op.
	r.RefOp(999999)
	r.UnrefOp(999999)

	close(release)
	for deadline := time.Now().Add(time.Second); r.HasPendingRefed(); {
		if time.Now().After(deadline) {
			t.Fatal("expected the ledger to drain after the op completed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOpStateResourceTable(t *testing.T) {
	s := NewOpState(AllowAll{})
	id := s.AddResource("hello")

	v, ok := s.Resource(id)
	if !ok || v != "hello" {
		t.Fatalf("Resource: got (%v, %v), want (\"hello\", true)", v, ok)
	}

	v, ok = s.RemoveResource(id)
	if !ok || v != "hello" {
		t.Fatalf("RemoveResource: got (%v, %v), want (\"hello\", true)", v, ok)
	}
	if _, ok := s.Resource(id); ok {
		t.Fatal("expected the resource to be gone after RemoveResource")
	}
}

func TestOpStateNewCancelResourceCancelsOnRemoval(t *testing.T) {
	s := NewOpState(AllowAll{})
	id, handle := s.NewCancelResource()
	if handle.IsCanceled() {
		t.Fatal("a freshly created cancel resource must not start canceled")
	}
	s.CancelResource(id)
	if !handle.IsCanceled() {
		t.Fatal("CancelResource should cancel the handle stored under id")
	}
	// Canceling an id that no longer exists is a no-op, not a panic.
	s.CancelResource(id)
}

func TestOpStateDefaultsToDenyAll(t *testing.T) {
	s := NewOpState(nil)
	if _, err := s.Permissions.CheckNet("example.com", 443); err == nil {
		t.Fatal("a nil Permissions argument should default to DenyAll")
	}
}

func TestOpStateExtNamespace(t *testing.T) {
	s := NewOpState(AllowAll{})
	if v := s.GetExt("missing"); v != nil {
		t.Fatalf("expected nil for an unset key, got %v", v)
	}
	s.SetExt("buf", []byte("data"))
	v, ok := s.GetExt("buf").([]byte)
	if !ok || string(v) != "data" {
		t.Fatalf("GetExt: got %v", s.GetExt("buf"))
	}
}
