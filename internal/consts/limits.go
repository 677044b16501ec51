// Package consts holds the timeouts and limits shared by the supervisor and
// the gateway so both sides of the wire agree on them.
package consts

import "time"

// Wire limits
const (
	// MaxLineLength bounds a single protocol line on either hop.
	MaxLineLength = 64 * 1024
	// MaxEngineListSize bounds the JSON reply to a list request.
	MaxEngineListSize = 1024 * 1024
	// MaxClientMessageSize bounds one websocket frame from a browser.
	MaxClientMessageSize = 8192
)

// Process Supervisor
const (
	// QuitTimeout is how long an engine gets to exit after "quit".
	QuitTimeout = 5 * time.Second
	// TerminateTimeout is how long an engine gets after the terminate signal
	// before it is killed.
	TerminateTimeout = 3 * time.Second
	// PreambleTimeout bounds the selector, auth and run lines read before an
	// engine is spawned.
	PreambleTimeout = 30 * time.Second
	// OutputDrainTimeout is how long output may stay open after an engine
	// exits before helpers still holding it are killed.
	OutputDrainTimeout = time.Second
)

// Session Gateway
const (
	// ConnectTimeout bounds opening and authenticating the upstream connection.
	ConnectTimeout = 5 * time.Second
	// StopRetryTimeout is how long a session waits for bestmove before
	// resending "stop".
	StopRetryTimeout = 5 * time.Second
	// HandshakeTimeout bounds usi/usiok/isready/readyok.
	HandshakeTimeout = 30 * time.Second
	// ReconnectProtection is how long a detached session survives.
	ReconnectProtection = 60 * time.Second
	// ListTimeout bounds one engine list query.
	ListTimeout = 10 * time.Second
	// MaxBufferedInfo is the number of progress lines kept while detached.
	MaxBufferedInfo = 10
)

// HTTP
const (
	// ReadHeaderTimeout limits how long the gateway waits for request headers.
	ReadHeaderTimeout = 5 * time.Second
	// ShutdownTimeout limits graceful shutdown of either daemon.
	ShutdownTimeout = 10 * time.Second
)
