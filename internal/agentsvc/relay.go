package agentsvc

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/types"
)

// Pusher is implemented by services that accept events from a transport.
type Pusher interface {
	Push(ctx context.Context, ev events.Event) error
}

// RelayService is a Service whose events arrive from outside the process,
// typically posted by the agent runtime over HTTP. Push fans each event out
// to the current subscribers.
type RelayService struct {
	sessionID types.SessionID

	mu      sync.RWMutex
	subs    map[uint64]func(events.Event)
	nextSub uint64
	aborted bool

	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewRelayService(sessionID types.SessionID) *RelayService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RelayService{
		sessionID: sessionID,
		subs:      make(map[uint64]func(events.Event)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RelayFactory builds a RelayService for any session.
func RelayFactory(_ context.Context, session *types.Session) (Service, error) {
	return NewRelayService(session.ID), nil
}

func (s *RelayService) SessionID() types.SessionID { return s.sessionID }

func (s *RelayService) Subscribe(fn func(events.Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Push delivers ev to every subscriber. It fails with ErrAborted once Abort
// has been called.
func (s *RelayService) Push(ctx context.Context, ev events.Event) error {
	if ev == nil {
		return fmt.Errorf("push to session %s: nil event", s.sessionID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	if s.aborted {
		s.mu.RUnlock()
		return fmt.Errorf("push to session %s: %w", s.sessionID, ErrAborted)
	}
	s.inflight.Add(1)
	subs := make([]func(events.Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()
	defer s.inflight.Done()

	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

// Done is closed when the service is aborted.
func (s *RelayService) Done() <-chan struct{} { return s.ctx.Done() }

// Abort stops accepting pushes and waits for in-flight ones to finish.
func (s *RelayService) Abort(ctx context.Context) error {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("abort session %s: %w", s.sessionID, ctx.Err())
	}
}
