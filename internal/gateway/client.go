package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/usibridge/internal/consts"
	"github.com/codefionn/usibridge/internal/engine"
	"github.com/codefionn/usibridge/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 256
)

// Client is one websocket connection acting as a session's transport.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan engine.ClientMessage

	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	closeCode   int
	closeReason string
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan engine.ClientMessage, sendBufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues msg for the write pump. A client that cannot keep up is
// disconnected rather than allowed to stall its session. Send reports false
// once the client is closed; the message is then left with the caller.
func (c *Client) Send(msg engine.ClientMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		logger.Warn("Client %s send buffer full, disconnecting", c.id)
		c.closeLocked(websocket.CloseTryAgainLater, "client too slow")
		return false
	}
}

// Close sends a close frame with code and reason and ends both pumps.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
}

// ReadPump feeds text frames to the session for key until the connection
// ends, then detaches from it.
func (c *Client) ReadPump(ctx context.Context, registry *Registry, key string) {
	defer func() {
		registry.Detach(key, c)
		c.Close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(consts.MaxClientMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("WebSocket read error on %s: %v", c.id, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		line := strings.TrimRight(string(message), "\r\n")
		if err := registry.Dispatch(ctx, key, c, line); err != nil {
			logger.Warn("Dispatch for session %s failed: %v", shortKey(key), err)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// WritePump drains the send queue and keeps the connection alive with
// pings. It owns all writes to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error("Failed to marshal message: %v", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("Failed to write to %s: %v", c.id, err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.flush()
			c.writeClose()
			return
		}
	}
}

// flush writes whatever is still queued, so a final status reaches a
// client that is being closed.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeClose() {
	if c.closeCode == websocket.CloseAbnormalClosure {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(c.closeCode, c.closeReason),
		time.Now().Add(writeWait))
}
