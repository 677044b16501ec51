// Package upstream is the gateway's side of the supervisor protocol: it
// opens authenticated connections that either run an engine or fetch the
// engine list.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/usibridge/internal/consts"
	"github.com/codefionn/usibridge/internal/securemem"
	"github.com/codefionn/usibridge/internal/wire"
)

// ErrInvalidList means the supervisor's list reply was not a JSON array.
var ErrInvalidList = errors.New("engine list is not a JSON array")

// Client dials the supervisor.
type Client struct {
	addr        string
	secret      *securemem.Secret
	dialTimeout time.Duration
	dialer      net.Dialer
}

// NewClient returns a client for the supervisor at addr. A nil or empty
// secret skips authentication.
func NewClient(addr string, secret *securemem.Secret, dialTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = consts.ConnectTimeout
	}
	return &Client{
		addr:        addr,
		secret:      secret,
		dialTimeout: dialTimeout,
	}
}

// Dial opens a connection and asks the supervisor to run engineID. The
// returned connection carries raw engine I/O from then on.
func (c *Client) Dial(ctx context.Context, engineID string) (*wire.LineConn, error) {
	conn, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteLine("run " + engineID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("request engine %s: %w", engineID, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// ListEngines fetches the supervisor's engine descriptors as raw JSON.
func (c *Client) ListEngines(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, consts.ListTimeout)
	defer cancel()

	conn, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.WriteLine("list"); err != nil {
		return nil, fmt.Errorf("request engine list: %w", err)
	}
	data, err := conn.ReadAll(consts.MaxEngineListSize)
	if err != nil {
		return nil, fmt.Errorf("read engine list: %w", err)
	}

	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidList, err)
	}
	return json.RawMessage(data), nil
}

// open dials and authenticates. The deadline set here bounds the whole
// preamble; callers clear it once the connection is handed off.
func (c *Client) open(ctx context.Context) (*wire.LineConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	raw, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial supervisor %s: %w", c.addr, err)
	}

	conn := wire.NewLineConn(raw)
	deadline := time.Now().Add(c.dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if !c.secret.IsEmpty() {
		if err := wire.Respond(conn, c.secret); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("authenticate with supervisor: %w", err)
		}
	}
	return conn, nil
}
