package engine

import (
	"encoding/json"
	"errors"
)

// ErrSessionGone is returned to callers that reach a session after it has
// stopped; they should create a fresh one.
var ErrSessionGone = errors.New("session has stopped")

// CloseSessionReplaced is the close code sent to a transport displaced by a
// newer one for the same session.
const CloseSessionReplaced = 4000

// ClientMessage is one JSON object pushed to the client.
type ClientMessage struct {
	State      string          `json:"state,omitempty"`
	SFEN       *string         `json:"sfen,omitempty"`
	Info       string          `json:"info,omitempty"`
	Delay      *int64          `json:"delay,omitempty"`
	Error      string          `json:"error,omitempty"`
	EngineList json.RawMessage `json:"engineList,omitempty"`

	// progress marks periodic search info, which the outbox bounds.
	progress bool
}

func statusMessage(s State) ClientMessage {
	return ClientMessage{State: s.Status()}
}

func errorMessage(text string) ClientMessage {
	return ClientMessage{Error: text}
}

// Transport is the client side of a session: a websocket in production.
type Transport interface {
	ID() string
	// Send must not block. It returns false once the transport can no
	// longer deliver, and the message was not taken.
	Send(msg ClientMessage) bool
	Close(code int, reason string)
}

// EngineConn is the upstream line connection to a supervised engine.
type EngineConn interface {
	WriteLine(line string) error
	ReadLine() (string, error)
	Close() error
}

// Attach binds a transport to the session. Reply receives ErrSessionGone
// when the session has already stopped.
type Attach struct {
	Transport Transport
	Reply     chan<- error
}

func (Attach) Type() string { return "attach" }

// Detach unbinds a transport if it is still the current one.
type Detach struct {
	Transport Transport
}

func (Detach) Type() string { return "detach" }

// Command carries one client line. Reply behaves as for Attach.
type Command struct {
	Transport Transport
	Line      string
	Reply     chan<- error
}

func (Command) Type() string { return "command" }

// Terminate tears the session down regardless of attached transports.
type Terminate struct{}

func (Terminate) Type() string { return "terminate" }

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	State    State
	EngineID string
	Attached bool
	PreReady int
	PostStop int
	Buffered int
	LastSFEN string
}

// Inspect asks for a Snapshot.
type Inspect struct {
	Reply chan<- Snapshot
}

func (Inspect) Type() string { return "inspect" }

type connectResult struct {
	attempt uint64
	conn    EngineConn
	err     error
}

func (connectResult) Type() string { return "connect_result" }

type engineLine struct {
	conn EngineConn
	line string
}

func (engineLine) Type() string { return "engine_line" }

type engineClosed struct {
	conn EngineConn
	err  error
}

func (engineClosed) Type() string { return "engine_closed" }

type listResult struct {
	list json.RawMessage
	err  error
}

func (listResult) Type() string { return "list_result" }

type timerKind int

const (
	timerGrace timerKind = iota
	timerStopRetry
	timerHandshake
	timerCount
)

type timerFired struct {
	kind timerKind
	gen  uint64
}

func (timerFired) Type() string { return "timer_fired" }
