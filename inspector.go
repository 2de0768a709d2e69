package jsruntime

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// InspectorConfig configures the Inspector an Isolate attaches at
// construction, per spec.md §4.9. A nil *InspectorConfig on IsolateConfig
// means no debugger attachment point exists at all.
type InspectorConfig struct {
	// Host/Port are passed to AttachServer if non-empty/non-zero;
	// otherwise the embedder is expected to call AttachServer itself
	// once the Isolate exists (e.g. to share a listener with an HTTP
	// server).
	Host string
	Port int

	// WaitForSession, when true, makes NewIsolate block in
	// Inspector.WaitForSession until the first session completes its
	// handshake before returning
	// control to the caller — the teacher's own worker bridge never did
	// this for its WebSocket bridge, but spec.md §4.9 names it
	// explicitly as an inspector operation (waitForSession), so it is
	// surfaced as a config knob rather than a method the caller must
	// remember to call before the first PollEventLoop.
	WaitForSession bool
}

// inspectorMessage is one CDP frame read from or to be written to a
// session's websocket connection.
type inspectorMessage struct {
	sessionID string
	data      []byte
}

// InspectorSession is one attached debugger client's protocol relay.
// Messages are decoded as UTF-8 JSON per spec.md §4.9; this package does
// not parse CDP frames or method names, it only relays them. A pause
// request is made through the Go-side BreakOnNextStatement method, not
// recognized from a session's frames.
type InspectorSession struct {
	ID       string
	conn     *websocket.Conn
	blocking bool // per SPEC_FULL.md's blocking-vs-passive distinction

	closeOnce sync.Once
	closed    chan struct{}
}

// Close terminates the session's transport.
func (s *InspectorSession) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close(websocket.StatusNormalClosure, "inspector session closed")
	})
}

// Inspector is the protocol relay of spec.md §4.9: it owns a set of
// attached debugger sessions (and the blocking subset among them),
// accepts new connections via AttachServer, and is polled once per
// EventLoop.Poll iteration to drain pending inbound CDP frames.
//
// Neither internal/v8engine nor internal/quickjs's narrow Engine surface
// exposes the underlying engine's native inspector/debugger API (v8go
// does not wrap V8's v8_inspector, and modernc.org/quickjs exposes no
// debugger hooks at all) — see SPEC_FULL.md's grounding note. Inbound
// frames are therefore dispatched to an optional JS-side hook
// (`globalThis.__jsruntime_onInspectorMessage`, installed by an
// extension that wants to honor them) rather than a real engine
// debugger callback; outbound notifications an extension pushes via
// NotifyAll are relayed to every session's outbound channel unchanged.
type Inspector struct {
	cfg InspectorConfig

	mu             sync.Mutex
	sessions       map[string]*InspectorSession
	blockingCount  int
	newSessionCh   chan struct{}
	incoming       chan inspectorMessage
	dispatch       func(sessionID string, msg []byte) // wired by Isolate at construction
	server         *http.Server
	listener       net.Listener
	pauseRequested bool // breakOnNextStatement flag, consulted by the hosted JS debugger hook
}

// NewInspector constructs an Inspector. It does not start listening;
// call AttachServer (directly, or implicitly via cfg.Host/cfg.Port) to
// accept sessions.
func NewInspector(cfg InspectorConfig) *Inspector {
	insp := &Inspector{
		cfg:          cfg,
		sessions:     make(map[string]*InspectorSession),
		newSessionCh: make(chan struct{}, 1),
		incoming:     make(chan inspectorMessage, 64),
	}
	if cfg.Host != "" || cfg.Port != 0 {
		if err := insp.AttachServer(cfg.Host, cfg.Port); err != nil {
			log.Printf("jsruntime: inspector: AttachServer(%s:%d): %v", cfg.Host, cfg.Port, err)
		}
	}
	return insp
}

// AttachServer starts an HTTP server accepting inspector WebSocket
// connections at host:port, per spec.md §4.9's "attachServer(host,
// port) — outside the core; produces connection proxies that the
// inspector accepts." The core still implements it (rather than leaving
// it entirely to the embedder) because coder/websocket is already a
// wired domain dependency and cmd/runjs needs a default.
func (insp *Inspector) AttachServer(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	insp.mu.Lock()
	insp.listener = ln
	mux := http.NewServeMux()
	mux.HandleFunc("/", insp.acceptHandler)
	insp.server = &http.Server{Handler: mux}
	insp.mu.Unlock()

	go func() {
		if serveErr := insp.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Printf("jsruntime: inspector server: %v", serveErr)
		}
	}()
	return nil
}

func (insp *Inspector) acceptHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	blocking := r.URL.Query().Get("blocking") == "1"
	sess := &InspectorSession{ID: uuid.NewString(), conn: conn, blocking: blocking, closed: make(chan struct{})}

	insp.mu.Lock()
	insp.sessions[sess.ID] = sess
	if blocking {
		insp.blockingCount++
	}
	insp.mu.Unlock()
	select {
	case insp.newSessionCh <- struct{}{}:
	default:
	}

	insp.pump(r.Context(), sess)
}

// pump runs a session's reader loop (teacher's internal/webapi
// WebSocketHandler.Bridge reader-goroutine-into-channel pattern,
// generalized from one connection to many), feeding frames into
// insp.incoming for the next Poll to drain, until the connection
// closes.
func (insp *Inspector) pump(ctx context.Context, sess *InspectorSession) {
	defer func() {
		insp.mu.Lock()
		delete(insp.sessions, sess.ID)
		if sess.blocking {
			insp.blockingCount--
		}
		insp.mu.Unlock()
		sess.Close()
	}()
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
		select {
		case insp.incoming <- inspectorMessage{sessionID: sess.ID, data: data}:
		case <-sess.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Poll drains pending inbound CDP frames and dispatches each
// synchronously, per spec.md §4.9's "incoming messages are dispatched
// synchronously into the engine inspector API." It reports whether it
// did any work, feeding EventLoop.Poll's idleness predicate.
func (insp *Inspector) Poll() bool {
	did := false
	for {
		select {
		case msg := <-insp.incoming:
			did = true
			if insp.dispatch != nil {
				insp.dispatch(msg.sessionID, msg.data)
			}
		default:
			return did
		}
	}
}

// WaitForSession blocks until at least one session has completed the
// debugger handshake, or ctx is done.
func (insp *Inspector) WaitForSession(ctx context.Context) error {
	insp.mu.Lock()
	has := len(insp.sessions) > 0
	insp.mu.Unlock()
	if has {
		return nil
	}
	select {
	case <-insp.newSessionCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BreakOnNextStatement schedules a pause at the next JS statement. The
// actual pause point is enforced by the hosted JS debugger hook (see the
// Inspector doc comment); this just flips the flag it consults.
func (insp *Inspector) BreakOnNextStatement() {
	insp.mu.Lock()
	insp.pauseRequested = true
	insp.mu.Unlock()
}

// ConsumePauseRequest reports whether BreakOnNextStatement has been
// called since the last consume, clearing the flag. The hosted JS
// debugger hook checks this (through an op) before each statement batch
// it instruments.
func (insp *Inspector) ConsumePauseRequest() bool {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	requested := insp.pauseRequested
	insp.pauseRequested = false
	return requested
}

// Addr returns the address AttachServer is listening on, or "" if no
// server is attached. Useful when AttachServer was given port 0.
func (insp *Inspector) Addr() string {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	if insp.listener == nil {
		return ""
	}
	return insp.listener.Addr().String()
}

// NotifyAll relays an outbound CDP notification to every attached
// session's outbound stream.
func (insp *Inspector) NotifyAll(ctx context.Context, data []byte) {
	insp.mu.Lock()
	sessions := make([]*InspectorSession, 0, len(insp.sessions))
	for _, s := range insp.sessions {
		sessions = append(sessions, s)
	}
	insp.mu.Unlock()
	for _, s := range sessions {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = s.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
	}
}

// HasBlockingSession reports whether any attached session is in the
// isolate-blocking subset, feeding the idleness predicate's "no blocking
// inspector sessions" clause (spec.md §4.5 step 7).
func (insp *Inspector) HasBlockingSession() bool {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	return insp.blockingCount > 0
}

// Close tears down every session and the accept server, if any.
func (insp *Inspector) Close() {
	insp.mu.Lock()
	sessions := make([]*InspectorSession, 0, len(insp.sessions))
	for _, s := range insp.sessions {
		sessions = append(sessions, s)
	}
	srv := insp.server
	insp.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	if srv != nil {
		_ = srv.Close()
	}
}
