// Package supervisor runs USI engine executables on behalf of remote
// callers. Each accepted connection owns exactly one engine process; lines
// from the connection go to the engine's stdin and everything the engine
// prints goes back over the connection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/codefionn/usibridge/internal/config"
	"github.com/codefionn/usibridge/internal/logger"
	"github.com/codefionn/usibridge/internal/securemem"
)

// Options configures a Server.
type Options struct {
	Address        string
	Protocol       string
	Catalog        *Catalog
	Secret         *securemem.Secret
	MaxConnections int
	Process        ProcessOptions
}

// Server accepts supervisor connections.
type Server struct {
	opts     Options
	listener net.Listener

	mu      sync.Mutex
	running bool
	conns   map[string]*connection

	// ctx is cancelled by Stop; every connection derives from it.
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a server. Call Start to begin listening.
func NewServer(opts Options) *Server {
	if opts.Protocol == "" {
		opts.Protocol = config.ProtocolLauncher
	}
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog(nil, "", "")
	}
	return &Server{
		opts:  opts,
		conns: make(map[string]*connection),
	}
}

// Start listens on the configured address and accepts connections in the
// background until Stop is called or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Address, err)
	}
	if s.opts.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.opts.MaxConnections)
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop()

	go func() {
		<-s.ctx.Done()
		_ = listener.Close()
	}()

	auth := "disabled"
	if !s.opts.Secret.IsEmpty() {
		auth = "enabled"
	}
	logger.Info("Supervisor listening on %s (protocol: %s, auth: %s, max connections: %d)",
		listener.Addr(), s.opts.Protocol, auth, s.opts.MaxConnections)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, runs the shutdown ladder for every live engine
// and waits for the connections to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel == nil {
			return
		}

		logger.Info("Stopping supervisor (%d connections)...", s.ConnCount())
		cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("Supervisor stopped")
		case <-ctx.Done():
			err = ctx.Err()
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	})
	return err
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				logger.Debug("Listener closed, exiting accept loop")
				return
			}
			logger.Error("Error accepting connection: %v", err)
			continue
		}

		c := newConnection(uuid.NewString(), conn, s)
		s.track(c)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c.id)
			c.serve(s.ctx)
		}()
	}
}

func (s *Server) track(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
	logger.Debug("Connection %s accepted from %s (total: %d)", c.id, c.conn.RemoteAddr(), len(s.conns))
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}
