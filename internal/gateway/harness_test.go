package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/usibridge/internal/config"
	"github.com/codefionn/usibridge/internal/engine"
	"github.com/codefionn/usibridge/internal/securemem"
	"github.com/codefionn/usibridge/internal/upstream"
	"github.com/codefionn/usibridge/internal/wire"
)

const waitFor = 3 * time.Second

// scriptedSupervisor speaks the launcher protocol and runs one scripted
// engine per "run fake" request.
type scriptedSupervisor struct {
	ln          net.Listener
	secret      *securemem.Secret
	searchDelay time.Duration

	mu       sync.Mutex
	received []string
	runs     int
	closed   int
}

func startScriptedSupervisor(t *testing.T, secret *securemem.Secret) *scriptedSupervisor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &scriptedSupervisor{ln: ln, secret: secret}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(wire.NewLineConn(raw))
		}
	}()
	return s
}

func (s *scriptedSupervisor) addr() string {
	return s.ln.Addr().String()
}

func (s *scriptedSupervisor) serve(c *wire.LineConn) {
	defer c.Close()
	if !s.secret.IsEmpty() {
		if err := wire.Challenge(c, s.secret); err != nil {
			return
		}
	}

	line, err := c.ReadLine()
	if err != nil {
		return
	}
	switch line {
	case "list":
		_, _ = c.Write([]byte(`[{"id":"fake","name":"Fake"}]`))
	case "run fake":
		s.mu.Lock()
		s.runs++
		s.mu.Unlock()
		s.runEngine(c)
	default:
		_ = wire.WriteError(c, "unknown engine")
	}
}

func (s *scriptedSupervisor) runEngine(c *wire.LineConn) {
	defer func() {
		s.mu.Lock()
		s.closed++
		s.mu.Unlock()
	}()

	var searching sync.Mutex
	infinite := false
	for {
		line, err := c.ReadLine()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, line)
		s.mu.Unlock()

		switch {
		case line == "usi":
			_ = c.WriteLine("id name fake")
			_ = c.WriteLine("usiok")
		case line == "isready":
			_ = c.WriteLine("readyok")
		case line == "quit":
			return
		case line == "stop":
			searching.Lock()
			if infinite {
				infinite = false
				_ = c.WriteLine("bestmove 7g7f")
			}
			searching.Unlock()
		case line == "go infinite":
			searching.Lock()
			infinite = true
			searching.Unlock()
		case strings.HasPrefix(line, "go"):
			delay := s.searchDelay
			go func() {
				time.Sleep(delay)
				_ = c.WriteLine("info depth 1 score cp 10 pv 7g7f")
				_ = c.WriteLine("bestmove 7g7f")
			}()
		}
	}
}

func (s *scriptedSupervisor) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *scriptedSupervisor) counts() (runs, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.closed
}

type gatewayOption func(*config.Gateway, *Options)

func withOrigins(origins ...string) gatewayOption {
	return func(_ *config.Gateway, o *Options) { o.AllowedOrigins = origins }
}

func withGrace(d time.Duration) gatewayOption {
	return func(c *config.Gateway, _ *Options) { c.ReconnectProtection = d }
}

type testGateway struct {
	srv      *Server
	http     *httptest.Server
	registry *Registry
}

func startGateway(t *testing.T, supervisorAddr string, secret *securemem.Secret, opts ...gatewayOption) *testGateway {
	t.Helper()
	cfg := &config.Gateway{
		ReconnectProtection: 5 * time.Second,
		ConnectTimeout:      time.Second,
		HandshakeTimeout:    2 * time.Second,
		StopRetry:           500 * time.Millisecond,
	}
	serverOpts := Options{}
	for _, opt := range opts {
		opt(cfg, &serverOpts)
	}

	client := upstream.NewClient(supervisorAddr, secret, cfg.ConnectTimeout)
	registry := NewRegistry(context.Background(), SessionOptions(client, cfg))
	serverOpts.Registry = registry

	srv := NewServer(serverOpts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})
	return &testGateway{srv: srv, http: ts, registry: registry}
}

func (g *testGateway) wsURL(sessionID string) string {
	u := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	if sessionID != "" {
		u += "?sessionId=" + url.QueryEscape(sessionID)
	}
	return u
}

// wsClient collects decoded server messages in the background.
type wsClient struct {
	conn     *websocket.Conn
	messages chan engine.ClientMessage
	closeErr chan error
}

func (g *testGateway) connect(t *testing.T, sessionID string) *wsClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(g.wsURL(sessionID), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{
		conn:     conn,
		messages: make(chan engine.ClientMessage, 256),
		closeErr: make(chan error, 1),
	}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.closeErr <- err
				return
			}
			var msg engine.ClientMessage
			if err := json.Unmarshal(data, &msg); err == nil {
				c.messages <- msg
			}
		}
	}()
	return c
}

func (c *wsClient) send(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(line)))
}

// expect skips messages until match accepts one.
func (c *wsClient) expect(t *testing.T, what string, match func(engine.ClientMessage) bool) engine.ClientMessage {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg := <-c.messages:
			if match(msg) {
				return msg
			}
		case err := <-c.closeErr:
			t.Fatalf("connection closed while waiting for %s: %v", what, err)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (c *wsClient) expectState(t *testing.T, state string) {
	t.Helper()
	c.expect(t, "state "+state, func(m engine.ClientMessage) bool { return m.State == state })
}

func (c *wsClient) expectInfo(t *testing.T, info string) engine.ClientMessage {
	t.Helper()
	return c.expect(t, "info "+info, func(m engine.ClientMessage) bool { return m.Info == info })
}

func (c *wsClient) expectError(t *testing.T, text string) {
	t.Helper()
	c.expect(t, "error "+text, func(m engine.ClientMessage) bool { return m.Error == text })
}

// expectClose waits for the server to close the connection.
func (c *wsClient) expectClose(t *testing.T) error {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case <-c.messages:
		case err := <-c.closeErr:
			return err
		case <-deadline:
			t.Fatal("timed out waiting for close")
			return nil
		}
	}
}

// startReady connects sessionID and brings the fake engine to READY.
func (g *testGateway) startReady(t *testing.T, sessionID string) *wsClient {
	t.Helper()
	c := g.connect(t, sessionID)
	c.expectState(t, engine.StatusUninitialized)
	c.send(t, "start_engine fake")
	c.expectState(t, engine.StatusStarting)
	c.expectState(t, engine.StatusReady)
	return c
}

func getHealth(t *testing.T, g *testGateway) map[string]any {
	t.Helper()
	resp, err := http.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}
