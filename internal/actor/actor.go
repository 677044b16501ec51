// Package actor is a small mailbox runtime. Each actor processes its
// messages one at a time on its own goroutine, so Receive implementations
// never need locks for their own state.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/usibridge/internal/logger"
)

var (
	// ErrStopped is returned when sending to an actor that has been stopped.
	ErrStopped = errors.New("actor is stopped")
	// ErrMailboxFull is returned by Send when the mailbox has no room.
	ErrMailboxFull = errors.New("actor mailbox is full")
)

// Message represents a message sent between actors
type Message interface {
	Type() string
}

// Actor represents an actor in the actor model
type Actor interface {
	// Receive processes incoming messages
	Receive(ctx context.Context, msg Message) error
	// Start starts the actor
	Start(ctx context.Context) error
	// Stop stops the actor gracefully
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// ActorRef is a reference to an actor for sending messages
type ActorRef struct {
	id      string
	mailbox chan Message
	actor   Actor
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	done    chan struct{}
}

// NewActorRef creates a new actor reference with the given ID, actor
// implementation and mailbox size.
func NewActorRef(id string, actor Actor, mailboxSize int) *ActorRef {
	return &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		done:    make(chan struct{}),
	}
}

// NewActorRefFunc is NewActorRef for actors that need their own reference,
// typically to post messages to themselves from timers or I/O goroutines.
func NewActorRefFunc(id string, mailboxSize int, build func(ref *ActorRef) Actor) *ActorRef {
	ref := NewActorRef(id, nil, mailboxSize)
	ref.actor = build(ref)
	return ref
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Done is closed once the actor has been stopped.
func (ref *ActorRef) Done() <-chan struct{} {
	return ref.done
}

// Send enqueues msg without blocking.
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	if ref.stopped {
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("%s: %w", ref.id, ErrMailboxFull)
	}
}

// Tell enqueues msg, waiting for mailbox space until ctx is done or the
// actor stops.
func (ref *ActorRef) Tell(ctx context.Context, msg Message) error {
	ref.mu.RLock()
	if ref.stopped {
		ref.mu.RUnlock()
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	}
	done := ref.done
	ref.mu.RUnlock()

	select {
	case ref.mailbox <- msg:
		return nil
	case <-done:
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts the actor's message processing loop
func (ref *ActorRef) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}

	ref.mu.Lock()
	ref.ctx = ctx
	ref.cancel = cancel
	ref.mu.Unlock()

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop stops the actor gracefully. It must not be called from the actor's
// own Receive; use a goroutine there.
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	close(ref.done)
	cancel := ref.cancel
	ref.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Wait for actor to finish processing
	finished := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor's main message processing loop
func (ref *ActorRef) run(ctx context.Context) {
	defer ref.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			if err := ref.actor.Receive(ctx, msg); err != nil {
				logger.Error("Actor %s error processing %s: %v", ref.id, msg.Type(), err)
			}
		}
	}
}

// System is a keyed collection of running actors.
type System struct {
	actors map[string]*ActorRef
	mu     sync.RWMutex
}

// NewSystem creates a new actor system
func NewSystem() *System {
	return &System{
		actors: make(map[string]*ActorRef),
	}
}

// GetOrSpawn returns the actor registered under id, building and starting
// one with build if none exists. created reports which happened.
func (s *System) GetOrSpawn(ctx context.Context, id string, mailboxSize int, build func(ref *ActorRef) Actor) (ref *ActorRef, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.actors[id]; ok {
		return existing, false, nil
	}

	ref = NewActorRefFunc(id, mailboxSize, build)
	if err := ref.Start(ctx); err != nil {
		return nil, false, err
	}
	s.actors[id] = ref
	return ref, true, nil
}

// Get retrieves an actor reference by ID
func (s *System) Get(id string) (*ActorRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// Remove unregisters id if it still maps to ref, without stopping it. It
// reports whether the entry was removed.
func (s *System) Remove(id string, ref *ActorRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.actors[id]; ok && current == ref {
		delete(s.actors, id)
		return true
	}
	return false
}

// Len returns the number of registered actors.
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// Refs returns a snapshot of the registered actors.
func (s *System) Refs() []*ActorRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]*ActorRef, 0, len(s.actors))
	for _, ref := range s.actors {
		refs = append(refs, ref)
	}
	return refs
}

// StopAll stops all actors in the system
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	actors := make([]*ActorRef, 0, len(s.actors))
	for _, ref := range s.actors {
		actors = append(actors, ref)
	}
	s.actors = make(map[string]*ActorRef)
	s.mu.Unlock()

	var firstErr error
	for _, ref := range actors {
		if err := ref.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
