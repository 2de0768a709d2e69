package jsruntime

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestInspector(t *testing.T) *Inspector {
	t.Helper()
	insp := NewInspector(InspectorConfig{})
	if err := insp.AttachServer("127.0.0.1", 0); err != nil {
		t.Fatalf("AttachServer: %v", err)
	}
	t.Cleanup(insp.Close)
	return insp
}

func dialInspector(t *testing.T, insp *Inspector, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+insp.Addr()+"/"+query, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func TestInspectorWaitForSessionUnblocksOnConnect(t *testing.T) {
	insp := newTestInspector(t)
	dialInspector(t, insp, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := insp.WaitForSession(ctx); err != nil {
		t.Fatalf("WaitForSession: %v", err)
	}
}

func TestInspectorWaitForSessionHonorsContext(t *testing.T) {
	insp := newTestInspector(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := insp.WaitForSession(ctx); err == nil {
		t.Fatal("expected WaitForSession with no client to fail on context timeout")
	}
}

func TestInspectorPollDispatchesInboundFrames(t *testing.T) {
	insp := newTestInspector(t)

	type frame struct {
		sessionID string
		data      string
	}
	received := make(chan frame, 1)
	insp.dispatch = func(sessionID string, msg []byte) {
		received <- frame{sessionID: sessionID, data: string(msg)}
	}

	conn := dialInspector(t, insp, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"id":1,"method":"Runtime.enable"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if insp.Poll() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Poll to observe the inbound frame")
		case <-time.After(time.Millisecond):
		}
	}

	got := <-received
	if got.data != `{"id":1,"method":"Runtime.enable"}` {
		t.Fatalf("dispatched frame: got %q", got.data)
	}
	if got.sessionID == "" {
		t.Fatal("expected a non-empty session id on dispatch")
	}
}

func TestInspectorBlockingSessionFeedsIdlenessPredicate(t *testing.T) {
	insp := newTestInspector(t)
	if insp.HasBlockingSession() {
		t.Fatal("no session attached yet, HasBlockingSession should be false")
	}

	dialInspector(t, insp, "?blocking=1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := insp.WaitForSession(ctx); err != nil {
		t.Fatalf("WaitForSession: %v", err)
	}
	if !insp.HasBlockingSession() {
		t.Fatal("expected a ?blocking=1 session to count as blocking")
	}
}

func TestInspectorPassiveSessionIsNotBlocking(t *testing.T) {
	insp := newTestInspector(t)
	dialInspector(t, insp, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := insp.WaitForSession(ctx); err != nil {
		t.Fatalf("WaitForSession: %v", err)
	}
	if insp.HasBlockingSession() {
		t.Fatal("a plain session must not count as blocking")
	}
}

func TestInspectorConsumePauseRequest(t *testing.T) {
	insp := NewInspector(InspectorConfig{})
	if insp.ConsumePauseRequest() {
		t.Fatal("no pause requested yet")
	}
	insp.BreakOnNextStatement()
	if !insp.ConsumePauseRequest() {
		t.Fatal("expected the pause request to be observed")
	}
	if insp.ConsumePauseRequest() {
		t.Fatal("a consumed pause request must not be observed twice")
	}
}
