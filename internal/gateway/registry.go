package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codefionn/usibridge/internal/actor"
	"github.com/codefionn/usibridge/internal/config"
	"github.com/codefionn/usibridge/internal/engine"
	"github.com/codefionn/usibridge/internal/logger"
	"github.com/codefionn/usibridge/internal/upstream"
)

const (
	sessionMailboxSize = 256
	maxAskAttempts     = 3
)

// SessionOptions connects sessions to the supervisor through client using
// the gateway's configured timeouts.
func SessionOptions(client *upstream.Client, cfg *config.Gateway) engine.Options {
	return engine.Options{
		Dial: func(ctx context.Context, engineID string) (engine.EngineConn, error) {
			conn, err := client.Dial(ctx, engineID)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		ListEngines: func(ctx context.Context) (json.RawMessage, error) {
			return client.ListEngines(ctx)
		},
		GraceTimeout:     cfg.ReconnectProtection,
		StopRetry:        cfg.StopRetry,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
	}
}

// Registry maps session keys to Engine Session actors, creating them on
// first use and dropping them once they stop.
type Registry struct {
	ctx    context.Context
	system *actor.System
	opts   engine.Options
}

// NewRegistry returns an empty registry. Sessions live until they stop or
// ctx is cancelled.
func NewRegistry(ctx context.Context, opts engine.Options) *Registry {
	r := &Registry{
		ctx:    ctx,
		system: actor.NewSystem(),
	}
	opts.OnStopped = r.reap
	r.opts = opts
	return r
}

// reap runs on the session's own loop, so stopping the actor has to happen
// elsewhere.
func (r *Registry) reap(key string, ref *actor.ActorRef) {
	if r.system.Remove(key, ref) {
		logger.Debug("Session %s removed (live sessions: %d)", shortKey(key), r.system.Len())
	}
	go func() {
		_ = ref.Stop(context.Background())
	}()
}

func (r *Registry) session(key string) (*actor.ActorRef, error) {
	ref, created, err := r.system.GetOrSpawn(r.ctx, key, sessionMailboxSize, func(ref *actor.ActorRef) actor.Actor {
		return engine.NewSession(key, ref, r.opts)
	})
	if err != nil {
		return nil, err
	}
	if created {
		logger.Debug("Session %s created (live sessions: %d)", shortKey(key), r.system.Len())
	}
	return ref, nil
}

// Attach binds t to the session for key, creating the session if needed.
func (r *Registry) Attach(ctx context.Context, key string, t engine.Transport) error {
	return r.ask(ctx, key, func(reply chan<- error) actor.Message {
		return engine.Attach{Transport: t, Reply: reply}
	})
}

// Dispatch hands one client line to the session for key.
func (r *Registry) Dispatch(ctx context.Context, key string, t engine.Transport, line string) error {
	return r.ask(ctx, key, func(reply chan<- error) actor.Message {
		return engine.Command{Transport: t, Line: line, Reply: reply}
	})
}

// Detach tells the session for key that t went away.
func (r *Registry) Detach(key string, t engine.Transport) {
	ref, ok := r.system.Get(key)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, time.Second)
	defer cancel()
	if err := ref.Tell(ctx, engine.Detach{Transport: t}); err != nil {
		logger.Debug("Detach for session %s not delivered: %v", shortKey(key), err)
	}
}

// ask delivers a message built around a reply channel, retrying with a
// fresh session when the current one has already stopped.
func (r *Registry) ask(ctx context.Context, key string, build func(reply chan<- error) actor.Message) error {
	for attempt := 0; attempt < maxAskAttempts; attempt++ {
		ref, err := r.session(key)
		if err != nil {
			return err
		}

		reply := make(chan error, 1)
		if err := ref.Tell(ctx, build(reply)); err != nil {
			if errors.Is(err, actor.ErrStopped) {
				r.system.Remove(key, ref)
				continue
			}
			return err
		}

		var result error
		select {
		case result = <-reply:
		case <-ref.Done():
			select {
			case result = <-reply:
			default:
				result = engine.ErrSessionGone
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		if errors.Is(result, engine.ErrSessionGone) {
			r.system.Remove(key, ref)
			continue
		}
		return result
	}
	return engine.ErrSessionGone
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.system.Len()
}

// Shutdown terminates every session and waits for them to stop, then stops
// whatever is left once ctx expires.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, ref := range r.system.Refs() {
		if err := ref.Send(engine.Terminate{}); err != nil {
			logger.Debug("Terminate for session %s not delivered: %v", ref.ID(), err)
		}
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for r.system.Len() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			logger.Warn("%d sessions did not stop in time", r.system.Len())
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = r.system.StopAll(stopCtx)
			return ctx.Err()
		}
	}
	return nil
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
