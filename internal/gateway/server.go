// Package gateway is the public face of the bridge: it accepts websocket
// clients, maps each to a long-lived Engine Session by its sessionId and
// relays between them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/usibridge/internal/consts"
	"github.com/codefionn/usibridge/internal/logger"
)

// sessionParam is the query parameter carrying the session key.
const sessionParam = "sessionId"

// Options configures a Server.
type Options struct {
	Address string
	// AllowedOrigins lists accepted Origin headers. Empty means same-origin
	// only; "*" accepts any.
	AllowedOrigins []string
	Registry       *Registry
}

// Server serves /ws and /healthz.
type Server struct {
	opts       Options
	router     *httprouter.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	clientsMu sync.Mutex
	clients   map[string]*Client
}

// NewServer builds the routes. Call Start to listen, or mount Handler.
func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		router:  httprouter.New(),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*Client),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(opts.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/ws", s.handleWebSocket)
	s.router.GET("/healthz", s.handleHealth)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Address, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: consts.ReadHeaderTimeout,
		ErrorLog:          logger.NewStdLogger(logger.Global(), slog.LevelWarn),
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	logger.Info("Gateway listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting connections, terminates every session and closes
// the remaining websockets.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("Stopping gateway...")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}
	if err := s.opts.Registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop sessions: %w", err))
	}

	s.cancel()
	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	s.clientsMu.Unlock()

	return errors.Join(errs...)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	logger.Warn("Rejected websocket from origin %q", origin)
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket upgrade failed: %v", err)
		return
	}

	key := r.URL.Query().Get(sessionParam)
	if key == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "sessionId is required"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	client := NewClient(conn)
	s.track(client)
	go func() {
		client.WritePump()
		s.untrack(client.ID())
	}()

	if err := s.opts.Registry.Attach(s.ctx, key, client); err != nil {
		logger.Error("Failed to attach to session %s: %v", shortKey(key), err)
		client.Close(websocket.CloseInternalServerErr, "session unavailable")
		return
	}
	logger.Debug("Client %s attached to session %s", client.ID(), shortKey(key))

	go client.ReadPump(s.ctx, s.opts.Registry, key)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.opts.Registry.Len(),
	})
}

func (s *Server) track(c *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c.ID()] = c
}

func (s *Server) untrack(id string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, id)
}
