package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/codefionn/usibridge/internal/config"
	"github.com/codefionn/usibridge/internal/consts"
	"github.com/codefionn/usibridge/internal/logger"
	"github.com/codefionn/usibridge/internal/wire"
)

// Launcher commands.
const (
	cmdRun  = "run"
	cmdList = "list"
)

// connection is one accepted caller and, once spawned, its engine.
type connection struct {
	id     string
	conn   *wire.LineConn
	server *Server
	log    *logger.Logger
}

func newConnection(id string, raw net.Conn, server *Server) *connection {
	return &connection{
		id:     id,
		conn:   wire.NewLineConn(raw),
		server: server,
		log:    logger.Global().WithPrefix("conn " + id[:8]),
	}
}

// serve runs the preamble, spawns the engine and relays until either side
// goes away. A panic here only costs this connection.
func (c *connection) serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Connection handler panicked: %v\n%s", r, debug.Stack())
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetDeadline(time.Now().Add(consts.PreambleTimeout))

	engineID, ok := c.preamble()
	if !ok {
		return
	}

	path, err := c.server.opts.Catalog.Lookup(engineID)
	if err != nil {
		c.log.Warn("Rejecting engine %q: %v", engineID, err)
		_ = wire.WriteError(c.conn, err.Error())
		return
	}

	_ = c.conn.SetDeadline(time.Time{})

	proc, err := Spawn(path, c.conn, c.server.opts.Process, c.log)
	if err != nil {
		c.log.Error("Failed to spawn engine %q: %v", engineID, err)
		_ = wire.WriteError(c.conn, "failed to start engine")
		return
	}

	c.relay(ctx, proc)
}

// preamble handles authentication and engine selection for the configured
// protocol. It returns false when the connection is finished.
func (c *connection) preamble() (string, bool) {
	if c.server.opts.Protocol == config.ProtocolDirect {
		line, err := c.conn.ReadLine()
		if err != nil {
			c.log.Debug("No selector received: %v", err)
			return "", false
		}
		if !c.authenticate() {
			return "", false
		}
		return strings.TrimSpace(line), true
	}

	if !c.authenticate() {
		return "", false
	}

	line, err := c.conn.ReadLine()
	if err != nil {
		c.log.Debug("No command received: %v", err)
		return "", false
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case cmdList:
		c.writeList()
		return "", false
	case cmdRun:
		return strings.TrimSpace(arg), true
	default:
		c.log.Warn("Unknown launcher command %q", cmd)
		_ = wire.WriteError(c.conn, "unknown command")
		return "", false
	}
}

func (c *connection) authenticate() bool {
	secret := c.server.opts.Secret
	if secret.IsEmpty() {
		return true
	}
	if err := wire.Challenge(c.conn, secret); err != nil {
		c.log.Warn("Authentication failed from %s: %v", c.conn.RemoteAddr(), err)
		return false
	}
	return true
}

func (c *connection) writeList() {
	data, err := json.Marshal(c.server.opts.Catalog.List())
	if err != nil {
		c.log.Error("Failed to encode engine list: %v", err)
		_ = wire.WriteError(c.conn, "internal error")
		return
	}
	if err := c.conn.WriteLine(string(data)); err != nil {
		c.log.Debug("Failed to send engine list: %v", err)
	}
}

// relay pumps caller lines into the engine until the caller disconnects, the
// engine exits or the server stops, then runs the shutdown ladder and waits
// for the process to be reaped before the connection is closed.
func (c *connection) relay(ctx context.Context, proc *Process) {
	inputDone := make(chan error, 1)
	go func() {
		for {
			line, err := c.conn.ReadLine()
			if err != nil {
				inputDone <- err
				return
			}
			if err := proc.WriteLine(line); err != nil {
				inputDone <- err
				return
			}
		}
	}()

	select {
	case err := <-inputDone:
		if errors.Is(err, ErrProcessStopping) {
			c.log.Debug("Engine stopped accepting input")
		} else {
			c.log.Debug("Caller went away: %v", err)
		}
	case <-proc.Exited():
		c.log.Debug("Engine exited on its own")
	case <-ctx.Done():
		c.log.Info("Supervisor stopping, shutting down engine pid=%d", proc.Pid())
	}

	proc.Shutdown()
	<-proc.Exited()
}
