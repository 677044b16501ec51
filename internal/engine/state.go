package engine

// State is the Engine Session's position in the USI lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateWaitingHandshake1
	StateWaitingHandshake2
	StateReady
	StateThinking
	StateStoppingSearch
	StateTerminating
	StateStopped
)

// Coarse statuses reported to clients.
const (
	StatusUninitialized = "uninitialized"
	StatusStarting      = "starting"
	StatusReady         = "ready"
	StatusThinking      = "thinking"
	StatusStopped       = "stopped"
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateStarting:
		return "STARTING"
	case StateWaitingHandshake1:
		return "WAITING_HANDSHAKE_1"
	case StateWaitingHandshake2:
		return "WAITING_HANDSHAKE_2"
	case StateReady:
		return "READY"
	case StateThinking:
		return "THINKING"
	case StateStoppingSearch:
		return "STOPPING_SEARCH"
	case StateTerminating:
		return "TERMINATING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Status collapses the state into what a client is told.
func (s State) Status() string {
	switch s {
	case StateStarting, StateWaitingHandshake1, StateWaitingHandshake2:
		return StatusStarting
	case StateReady:
		return StatusReady
	case StateThinking, StateStoppingSearch:
		return StatusThinking
	case StateTerminating, StateStopped:
		return StatusStopped
	default:
		return StatusUninitialized
	}
}

// handshaking reports whether the engine is up but not yet ready.
func (s State) handshaking() bool {
	return s == StateStarting || s == StateWaitingHandshake1 || s == StateWaitingHandshake2
}

// active reports whether an engine has been requested and not torn down.
func (s State) active() bool {
	return s.handshaking() || s == StateReady || s == StateThinking || s == StateStoppingSearch
}
