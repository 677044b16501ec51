// Package engine implements the Engine Session: the per-client state
// machine that drives a remote USI engine through its handshake, keeps
// searches from overlapping, and buffers output while the client is away.
//
// A Session is an actor. Client commands, engine output, connect results
// and timer expiries all arrive as messages and are handled one at a time,
// so none of the fields below are guarded by locks.
package engine

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/codefionn/usibridge/internal/actor"
	"github.com/codefionn/usibridge/internal/consts"
	"github.com/codefionn/usibridge/internal/logger"
	"github.com/codefionn/usibridge/internal/usi"
)

// Client control commands.
const (
	cmdGetEngineList = "get_engine_list"
	cmdPing          = "ping"
	cmdStartEngine   = "start_engine"
	cmdStopEngine    = "stop_engine"
)

// Client-facing error texts. They never carry upstream details.
const (
	errConnectFailed    = "failed to connect to engine"
	errStartFailed      = "engine failed to start"
	errHandshakeTimeout = "engine did not become ready in time"
	errConnectionLost   = "engine connection lost"
	errEngineBusy       = "another engine is already running"
	errShuttingDown     = "engine is shutting down"
	errListFailed       = "failed to fetch engine list"
)

var engineIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Options wires a Session to its upstream and sets its timers.
type Options struct {
	Dial        func(ctx context.Context, engineID string) (EngineConn, error)
	ListEngines func(ctx context.Context) (json.RawMessage, error)

	GraceTimeout     time.Duration
	StopRetry        time.Duration
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration

	// OnStopped runs inside the session's loop once it reaches STOPPED.
	OnStopped func(key string, ref *actor.ActorRef)
}

func (o Options) withDefaults() Options {
	if o.GraceTimeout <= 0 {
		o.GraceTimeout = consts.ReconnectProtection
	}
	if o.StopRetry <= 0 {
		o.StopRetry = consts.StopRetryTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = consts.HandshakeTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = consts.ConnectTimeout
	}
	return o
}

type sessionTimer struct {
	t   *time.Timer
	gen uint64
}

// Session is the actor behind one session key.
type Session struct {
	key  string
	self *actor.ActorRef
	opts Options
	log  *logger.Logger
	ctx  context.Context

	state     State
	transport Transport
	engineID  string
	conn      EngineConn

	preReady []usi.Command
	postStop []usi.Command

	lastPosition    string
	pendingPosition *string

	outbox             *Outbox
	explicitTerminated bool
	listOnly           bool

	connectAttempt uint64
	cancelConnect  context.CancelFunc
	timers         [timerCount]sessionTimer
}

// NewSession builds the actor for key. self must be the reference the
// session will be started under.
func NewSession(key string, self *actor.ActorRef, opts Options) *Session {
	return &Session{
		key:    key,
		self:   self,
		opts:   opts.withDefaults(),
		log:    logger.Global().WithPrefix("session " + shortKey(key)),
		ctx:    context.Background(),
		outbox: NewOutbox(consts.MaxBufferedInfo),
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func (s *Session) ID() string { return s.key }

func (s *Session) Start(ctx context.Context) error {
	s.ctx = ctx
	return nil
}

// Stop releases anything still held if the actor is stopped without having
// terminated first.
func (s *Session) Stop(ctx context.Context) error {
	for kind := range s.timers {
		s.disarm(timerKind(kind))
	}
	if s.cancelConnect != nil {
		s.cancelConnect()
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	return nil
}

func (s *Session) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case Attach:
		if s.state == StateStopped {
			reply(m.Reply, ErrSessionGone)
			return nil
		}
		s.attach(m.Transport)
		reply(m.Reply, nil)
	case Detach:
		s.detach(m.Transport)
	case Command:
		if s.state == StateStopped {
			reply(m.Reply, ErrSessionGone)
			return nil
		}
		s.handleCommand(m.Transport, m.Line)
		reply(m.Reply, nil)
	case Terminate:
		s.explicitTerminated = true
		s.terminate()
	case Inspect:
		m.Reply <- s.snapshot()
	case connectResult:
		s.handleConnectResult(m)
	case engineLine:
		s.handleEngineLine(m)
	case engineClosed:
		s.handleEngineClosed(m)
	case listResult:
		s.handleListResult(m)
	case timerFired:
		s.handleTimer(m)
	default:
		s.log.Warn("Unhandled message type %s", msg.Type())
	}
	return nil
}

// reply answers an ask. Reply channels must be buffered.
func reply(ch chan<- error, err error) {
	if ch != nil {
		ch <- err
	}
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		State:    s.state,
		EngineID: s.engineID,
		Attached: s.transport != nil,
		PreReady: len(s.preReady),
		PostStop: len(s.postStop),
		Buffered: s.outbox.Len(),
		LastSFEN: s.lastPosition,
	}
}

// post delivers msg to this session from another goroutine.
func (s *Session) post(msg actor.Message) error {
	return s.self.Tell(s.ctx, msg)
}

// Transports

func (s *Session) attach(t Transport) {
	if s.transport != nil && s.transport.ID() != t.ID() {
		s.log.Info("Transport %s replaced by %s", s.transport.ID(), t.ID())
		s.transport.Close(CloseSessionReplaced, "replaced by a newer connection")
	}
	s.transport = t
	s.disarm(timerGrace)

	now := time.Now()
	pending := append([]ClientMessage{statusMessage(s.state)}, s.outbox.Drain(now)...)
	for i, msg := range pending {
		if t.Send(msg) {
			continue
		}
		// Put back what was not delivered, keeping the buffered age. The
		// status is sent afresh on the next attach.
		start := i
		if start == 0 {
			start = 1
		}
		for _, rest := range pending[start:] {
			at := now
			if rest.Delay != nil {
				at = now.Add(-time.Duration(*rest.Delay) * time.Millisecond)
			}
			s.outbox.Push(rest, at)
		}
		s.transportLost(t)
		return
	}
}

func (s *Session) detach(t Transport) {
	if s.transport == nil || s.transport.ID() != t.ID() {
		return
	}
	s.transportLost(t)
}

// transportLost forgets t and either terminates the session or keeps the
// engine for the grace period.
func (s *Session) transportLost(t Transport) {
	s.transport = nil

	if s.state == StateUninitialized || s.explicitTerminated || s.listOnly {
		s.terminate()
		return
	}
	if s.state == StateTerminating || s.state == StateStopped {
		return
	}
	s.log.Debug("Transport %s gone, keeping engine for %s", t.ID(), s.opts.GraceTimeout)
	s.arm(timerGrace, s.opts.GraceTimeout)
}

// emit sends msg to the attached transport, or buffers it when there is
// none or the transport has stopped delivering.
func (s *Session) emit(msg ClientMessage) {
	if s.transport != nil {
		if s.transport.Send(msg) {
			return
		}
		s.outbox.Push(msg, time.Now())
		s.transportLost(s.transport)
		return
	}
	s.outbox.Push(msg, time.Now())
}

func (s *Session) emitStatus() {
	s.emit(statusMessage(s.state))
}

func (s *Session) forward(line string) {
	var delay int64
	msg := ClientMessage{
		Info:     line,
		Delay:    &delay,
		progress: usi.IsInfo(line),
	}
	if s.pendingPosition != nil {
		sfen := *s.pendingPosition
		msg.SFEN = &sfen
	}
	s.emit(msg)
}

// Client commands

func (s *Session) handleCommand(t Transport, line string) {
	if s.transport == nil {
		s.attach(t)
	} else if s.transport.ID() != t.ID() {
		s.log.Debug("Ignoring command from stale transport %s", t.ID())
		return
	}

	control := strings.TrimSpace(line)
	name, arg, _ := strings.Cut(control, " ")
	switch name {
	case cmdGetEngineList:
		s.requestList()
		return
	case cmdPing:
		s.emit(ClientMessage{Info: "pong"})
		return
	case cmdStartEngine:
		s.startEngine(strings.TrimSpace(arg))
		return
	case cmdStopEngine:
		s.explicitTerminated = true
		s.terminate()
		return
	}

	cmd, err := usi.Parse(line)
	if err != nil {
		s.log.Warn("Dropping client command %q: %v", truncate(line, 80), err)
		return
	}
	s.dispatch(cmd)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func (s *Session) requestList() {
	if s.state == StateUninitialized {
		s.listOnly = true
	}
	if s.opts.ListEngines == nil {
		s.emit(errorMessage(errListFailed))
		return
	}
	go func() {
		list, err := s.opts.ListEngines(s.ctx)
		_ = s.post(listResult{list: list, err: err})
	}()
}

func (s *Session) handleListResult(m listResult) {
	if m.err != nil {
		s.log.Warn("Engine list request failed: %v", m.err)
		s.emit(errorMessage(errListFailed))
		return
	}
	s.emit(ClientMessage{EngineList: m.list})
}

func (s *Session) startEngine(id string) {
	if !engineIDPattern.MatchString(id) {
		s.log.Warn("Dropping start_engine with invalid id %q", truncate(id, 80))
		return
	}

	switch {
	case s.state == StateUninitialized:
	case s.state.active() && id == s.engineID:
		s.emitStatus()
		return
	case s.state.active():
		s.emit(errorMessage(errEngineBusy))
		return
	case s.state == StateTerminating:
		s.emit(errorMessage(errShuttingDown))
		return
	default:
		return
	}

	s.engineID = id
	s.listOnly = false
	s.explicitTerminated = false
	s.state = StateStarting
	s.emitStatus()
	s.arm(timerHandshake, s.opts.HandshakeTimeout)

	s.connectAttempt++
	attempt := s.connectAttempt
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	s.cancelConnect = cancel

	s.log.Info("Connecting to engine %s", id)
	go func() {
		defer cancel()
		conn, err := s.opts.Dial(ctx, id)
		if postErr := s.post(connectResult{attempt: attempt, conn: conn, err: err}); postErr != nil && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) handleConnectResult(m connectResult) {
	if m.attempt != s.connectAttempt || s.state != StateStarting {
		if m.conn != nil {
			_ = m.conn.Close()
		}
		return
	}
	s.cancelConnect = nil

	if m.err != nil {
		s.log.Warn("Connecting to engine %s failed: %v", s.engineID, m.err)
		s.emit(errorMessage(errConnectFailed))
		s.resetToIdle()
		if s.transport == nil {
			s.terminate()
		}
		return
	}

	s.conn = m.conn
	go s.readEngine(m.conn)

	s.send(usi.CmdUSI)
	s.state = StateWaitingHandshake1
}

// resetToIdle returns a session whose start failed to UNINITIALIZED.
func (s *Session) resetToIdle() {
	s.disarm(timerHandshake)
	s.preReady = nil
	s.postStop = nil
	s.engineID = ""
	s.state = StateUninitialized
	s.emitStatus()
}

func (s *Session) readEngine(conn EngineConn) {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			_ = s.post(engineClosed{conn: conn, err: err})
			return
		}
		if err := s.post(engineLine{conn: conn, line: line}); err != nil {
			_ = conn.Close()
			return
		}
	}
}

// dispatch routes a validated USI command according to the state.
func (s *Session) dispatch(cmd usi.Command) {
	switch s.state {
	case StateUninitialized, StateStarting, StateWaitingHandshake1, StateWaitingHandshake2:
		if cmd.IsBootstrap() {
			s.log.Debug("Dropping %s before the engine is ready", cmd.Name)
			return
		}
		if cmd.Name == usi.CmdSetOption && s.state == StateWaitingHandshake2 {
			s.send(cmd.String())
			return
		}
		s.preReady = append(s.preReady, cmd)

	case StateReady:
		switch cmd.Name {
		case usi.CmdPosition:
			s.lastPosition = strings.Join(cmd.Args, " ")
			s.send(cmd.String())
		case usi.CmdGo:
			pending := s.lastPosition
			s.pendingPosition = &pending
			s.send(cmd.String())
			s.state = StateThinking
			s.emitStatus()
		case usi.CmdStop:
			s.log.Debug("Ignoring stop while not searching")
		default:
			s.send(cmd.String())
		}

	case StateThinking:
		switch cmd.Name {
		case usi.CmdStop:
			s.explicitStop()
		case usi.CmdPosition, usi.CmdGo, usi.CmdSetOption:
			s.explicitStop()
			s.postStop = append(s.postStop, cmd)
		default:
			s.send(cmd.String())
		}

	case StateStoppingSearch:
		if cmd.Name == usi.CmdStop {
			return
		}
		s.postStop = append(s.postStop, cmd)

	default:
		s.log.Debug("Dropping %s: no engine in state %s", cmd.Name, s.state)
	}
}

func (s *Session) explicitStop() {
	s.send(usi.CmdStop)
	s.state = StateStoppingSearch
	s.arm(timerStopRetry, s.opts.StopRetry)
}

func (s *Session) send(line string) {
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteLine(line); err != nil {
		// The reader sees the same failure and reports engineClosed.
		s.log.Warn("Writing to engine failed: %v", err)
	}
}

// Engine output

func (s *Session) handleEngineLine(m engineLine) {
	if m.conn != s.conn || s.state == StateTerminating {
		return
	}
	line := m.line

	if s.state.handshaking() && usi.IsWrapperError(line) {
		s.log.Warn("Supervisor refused engine %s: %s", s.engineID, line)
		s.emit(errorMessage(errStartFailed))
		s.terminate()
		return
	}

	s.forward(line)

	switch s.state {
	case StateWaitingHandshake1:
		if usi.IsUSIOK(line) {
			s.send(usi.CmdIsReady)
			s.state = StateWaitingHandshake2
		}
	case StateWaitingHandshake2:
		if usi.IsReadyOK(line) {
			s.becomeReady()
		}
	case StateThinking:
		if usi.IsBestMove(line) {
			s.state = StateReady
			s.emitStatus()
		}
	case StateStoppingSearch:
		if usi.IsBestMove(line) {
			s.disarm(timerStopRetry)
			s.state = StateReady
			s.emitStatus()
			queued := s.postStop
			s.postStop = nil
			for _, cmd := range Coalesce(queued) {
				s.dispatch(cmd)
			}
		}
	}
}

func (s *Session) becomeReady() {
	s.disarm(timerHandshake)
	s.state = StateReady
	s.log.Info("Engine %s ready", s.engineID)
	s.emitStatus()

	queued := s.preReady
	s.preReady = nil
	for _, cmd := range queued {
		s.dispatch(cmd)
	}
}

func (s *Session) handleEngineClosed(m engineClosed) {
	if m.conn != s.conn {
		return
	}
	if s.state == StateTerminating {
		s.finalize()
		return
	}

	s.log.Warn("Engine connection closed unexpectedly: %v", m.err)
	s.emit(errorMessage(errConnectionLost))
	_ = s.conn.Close()
	s.conn = nil
	s.terminate()
}

// Termination

// terminate is the single teardown path. It is a no-op once started.
func (s *Session) terminate() {
	if s.state == StateTerminating || s.state == StateStopped {
		return
	}

	s.preReady = nil
	s.postStop = nil
	for kind := range s.timers {
		s.disarm(timerKind(kind))
	}
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}

	if s.conn == nil {
		s.finalize()
		return
	}

	s.state = StateTerminating
	s.log.Info("Terminating engine %s", s.engineID)
	_ = s.conn.Close()
}

func (s *Session) finalize() {
	s.conn = nil
	s.engineID = ""
	s.lastPosition = ""
	s.pendingPosition = nil
	s.preReady = nil
	s.postStop = nil
	s.state = StateStopped
	s.emitStatus()
	s.log.Info("Session stopped")

	if s.opts.OnStopped != nil {
		s.opts.OnStopped(s.key, s.self)
	}
}

// Timers

func (s *Session) arm(kind timerKind, d time.Duration) {
	s.disarm(kind)
	gen := s.timers[kind].gen
	s.timers[kind].t = time.AfterFunc(d, func() {
		_ = s.post(timerFired{kind: kind, gen: gen})
	})
}

// disarm stops the timer and invalidates any expiry already in flight.
func (s *Session) disarm(kind timerKind) {
	tm := &s.timers[kind]
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
	tm.gen++
}

func (s *Session) handleTimer(m timerFired) {
	if m.gen != s.timers[m.kind].gen {
		return
	}
	s.timers[m.kind].t = nil

	switch m.kind {
	case timerGrace:
		if s.transport == nil {
			s.log.Info("No client reattached within %s", s.opts.GraceTimeout)
			s.terminate()
		}
	case timerStopRetry:
		if s.state == StateStoppingSearch {
			s.log.Warn("No bestmove after stop, resending")
			s.send(usi.CmdStop)
		}
	case timerHandshake:
		if s.state.handshaking() {
			s.log.Warn("Engine %s handshake timed out in %s", s.engineID, s.state)
			s.emit(errorMessage(errHandshakeTimeout))
			s.terminate()
		}
	}
}
