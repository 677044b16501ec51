package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/usibridge/internal/actor"
)

const waitFor = 2 * time.Second

// fakeEngine is an in-memory EngineConn. With autoHandshake it answers usi
// and isready on its own.
type fakeEngine struct {
	autoHandshake bool

	mu      sync.Mutex
	written []string

	lines     chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeEngine(autoHandshake bool) *fakeEngine {
	return &fakeEngine{
		autoHandshake: autoHandshake,
		lines:         make(chan string, 256),
		closed:        make(chan struct{}),
	}
}

func (e *fakeEngine) WriteLine(line string) error {
	select {
	case <-e.closed:
		return io.ErrClosedPipe
	default:
	}

	e.mu.Lock()
	e.written = append(e.written, line)
	e.mu.Unlock()

	if e.autoHandshake {
		switch line {
		case "usi":
			e.emit("id name fake")
			e.emit("usiok")
		case "isready":
			e.emit("readyok")
		}
	}
	return nil
}

func (e *fakeEngine) ReadLine() (string, error) {
	select {
	case line := <-e.lines:
		return line, nil
	case <-e.closed:
		return "", io.EOF
	}
}

func (e *fakeEngine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

func (e *fakeEngine) emit(lines ...string) {
	for _, line := range lines {
		e.lines <- line
	}
}

func (e *fakeEngine) Written() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.written...)
}

func (e *fakeEngine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// writtenAfter returns what was written after the first occurrence of mark.
func (e *fakeEngine) writtenAfter(mark string) []string {
	w := e.Written()
	for i, line := range w {
		if line == mark {
			return w[i+1:]
		}
	}
	return nil
}

func (e *fakeEngine) count(line string) int {
	n := 0
	for _, w := range e.Written() {
		if w == line {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	id string

	mu        sync.Mutex
	msgs      []ClientMessage
	closed    bool
	closeCode int
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id}
}

func (t *fakeTransport) ID() string { return t.id }

// Send refuses messages once the transport is closed, as a websocket does.
func (t *fakeTransport) Send(msg ClientMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.msgs = append(t.msgs, msg)
	return true
}

func (t *fakeTransport) Close(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
}

func (t *fakeTransport) Messages() []ClientMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ClientMessage(nil), t.msgs...)
}

func (t *fakeTransport) States() []string {
	var states []string
	for _, m := range t.Messages() {
		if m.State != "" {
			states = append(states, m.State)
		}
	}
	return states
}

func (t *fakeTransport) Errors() []string {
	var errs []string
	for _, m := range t.Messages() {
		if m.Error != "" {
			errs = append(errs, m.Error)
		}
	}
	return errs
}

func (t *fakeTransport) Infos() []string {
	var infos []string
	for _, m := range t.Messages() {
		if m.Info != "" && m.Delay != nil {
			infos = append(infos, m.Info)
		}
	}
	return infos
}

func (t *fakeTransport) LastState() string {
	states := t.States()
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

func (t *fakeTransport) isClosed() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode
}

type harness struct {
	t      *testing.T
	ref    *actor.ActorRef
	engine *fakeEngine
	opts   Options

	dials       atomic.Int32
	dialErr     error
	stoppedOnce sync.Once
	stopped     chan struct{}
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		engine:  newFakeEngine(true),
		stopped: make(chan struct{}),
	}

	h.opts = Options{
		Dial: func(ctx context.Context, id string) (EngineConn, error) {
			h.dials.Add(1)
			if h.dialErr != nil {
				return nil, h.dialErr
			}
			return h.engine, nil
		},
		ListEngines: func(ctx context.Context) (json.RawMessage, error) {
			return json.RawMessage(`[{"id":"fake","name":"Fake"}]`), nil
		},
		GraceTimeout:     5 * time.Second,
		StopRetry:        5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ConnectTimeout:   time.Second,
		OnStopped: func(key string, ref *actor.ActorRef) {
			h.stoppedOnce.Do(func() { close(h.stopped) })
		},
	}
	for _, fn := range tweak {
		fn(&h.opts)
	}

	h.ref = actor.NewActorRefFunc("session-key", 64, func(ref *actor.ActorRef) actor.Actor {
		return NewSession("session-key", ref, h.opts)
	})
	require.NoError(t, h.ref.Start(context.Background()))
	t.Cleanup(func() { _ = h.ref.Stop(context.Background()) })
	return h
}

func (h *harness) attach(tr Transport) error {
	h.t.Helper()
	reply := make(chan error, 1)
	require.NoError(h.t, h.ref.Tell(context.Background(), Attach{Transport: tr, Reply: reply}))
	return <-reply
}

func (h *harness) command(tr Transport, line string) {
	h.t.Helper()
	reply := make(chan error, 1)
	require.NoError(h.t, h.ref.Tell(context.Background(), Command{Transport: tr, Line: line, Reply: reply}))
	require.NoError(h.t, <-reply)
}

func (h *harness) detach(tr Transport) {
	h.t.Helper()
	require.NoError(h.t, h.ref.Tell(context.Background(), Detach{Transport: tr}))
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	reply := make(chan Snapshot, 1)
	require.NoError(h.t, h.ref.Tell(context.Background(), Inspect{Reply: reply}))
	return <-reply
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool { return h.snapshot().State == want }, waitFor, 5*time.Millisecond,
		"session never reached %s", want)
}

func (h *harness) waitStopped() {
	h.t.Helper()
	select {
	case <-h.stopped:
	case <-time.After(waitFor):
		h.t.Fatal("session did not stop")
	}
}

// startReady attaches tr and runs the handshake to READY.
func (h *harness) startReady(tr *fakeTransport) {
	h.t.Helper()
	require.NoError(h.t, h.attach(tr))
	h.command(tr, "start_engine fake")
	h.waitState(StateReady)
}

// startThinking goes one step further and issues a search.
func (h *harness) startThinking(tr *fakeTransport) {
	h.t.Helper()
	h.startReady(tr)
	h.command(tr, "position startpos")
	h.command(tr, "go infinite")
	h.waitState(StateThinking)
}

var errDialRefused = errors.New("connection refused")

func joined(lines []string) string {
	return strings.Join(lines, " | ")
}
