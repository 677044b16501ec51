// Package pprof serves net/http/pprof on a separate, opt-in listener so the
// profiling endpoints never share a port with client traffic.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"runtime"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/usibridge/internal/consts"
	"github.com/codefionn/usibridge/internal/logger"
)

// Config holds the pprof configuration
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:6060". Empty disables
	// the server.
	Addr string

	// Block and mutex profiling rates. Zero leaves the runtime default.
	BlockProfileRate     int
	MutexProfileFraction int
}

// Handler manages the profiling server
type Handler struct {
	config   Config
	server   *http.Server
	listener net.Listener

	mu       sync.Mutex
	stopping bool
}

// NewHandler creates a new pprof handler with the given configuration
func NewHandler(config Config) *Handler {
	return &Handler{config: config}
}

// Enabled reports whether an address is configured.
func (h *Handler) Enabled() bool {
	return h.config.Addr != ""
}

// Router returns the profiling routes.
func Router() *httprouter.Router {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		router.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return router
}

// Start binds the listener and serves in the background. It does nothing
// when no address is configured.
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.Enabled() {
		return nil
	}

	if h.config.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(h.config.BlockProfileRate)
	}
	if h.config.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(h.config.MutexProfileFraction)
	}

	ln, err := net.Listen("tcp", h.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof HTTP server: %w", err)
	}

	h.listener = ln
	h.server = &http.Server{
		Handler:           Router(),
		ReadHeaderTimeout: consts.ReadHeaderTimeout,
		ErrorLog:          logger.NewStdLogger(logger.Global().WithPrefix("pprof"), slog.LevelWarn),
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server error: %v", err)
		}
	}()

	logger.Info("pprof listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil when not serving.
func (h *Handler) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop shuts the server down and resets the profiling rates.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopping || h.server == nil {
		return nil
	}
	h.stopping = true

	if h.config.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(0)
	}
	if h.config.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(0)
	}

	err := h.server.Shutdown(ctx)
	h.server = nil
	h.listener = nil
	if err != nil {
		return fmt.Errorf("failed to shutdown pprof server: %w", err)
	}
	return nil
}
