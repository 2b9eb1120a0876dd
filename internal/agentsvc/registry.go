// Package agentsvc keeps at most one live agent service per session, forwards
// the events each service emits onto a shared sink and reaps services whose
// session no longer exists.
package agentsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/scheduler"
	"github.com/user/gopherline/internal/types"
)

const (
	DefaultReapInterval = 5 * time.Minute
	DefaultAbortTimeout = 5 * time.Second

	reaperJobName = "agent-service-reaper"
)

var (
	ErrRegistryStopped = errors.New("service registry stopped")
	ErrAborted         = errors.New("service aborted")
)

// Service is a per-session agent. Subscribe installs an event listener and
// returns the func that removes it.
type Service interface {
	SessionID() types.SessionID
	Subscribe(fn func(events.Event)) (unsubscribe func())
	Abort(ctx context.Context) error
}

// Factory constructs the service for a session from its stored config.
type Factory func(ctx context.Context, session *types.Session) (Service, error)

// Sink receives every annotated event forwarded from a live service.
type Sink func(events.Event)

type entryState int

const (
	stateActive entryState = iota
	stateDraining
)

type entry struct {
	svc         Service
	unsubscribe func()
	state       entryState
}

// Options tunes a Registry. Zero values take the defaults.
type Options struct {
	ReapInterval time.Duration
	AbortTimeout time.Duration
	Logger       *slog.Logger
	// Scheduler runs the reaper. When nil the registry starts and stops its
	// own.
	Scheduler *scheduler.Scheduler
}

// Registry maps session ids to live services. Construction and removal for
// one id are serialized; different ids proceed in parallel.
type Registry struct {
	sessions types.SessionLifecycle
	factory  Factory
	opts     Options
	logger   *slog.Logger
	locks    *keyLock

	mu      sync.RWMutex
	entries map[types.SessionID]*entry
	sink    Sink
	stopped bool

	hooksMu   sync.RWMutex
	onCreated []func(types.SessionID, Service)
	onRemoved []func(types.SessionID)

	sched         *scheduler.Scheduler
	ownsScheduler bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a registry. Events are dropped until SetSink is called.
func New(sessions types.SessionLifecycle, factory Factory, opts Options) *Registry {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = DefaultAbortTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: sessions,
		factory:  factory,
		opts:     opts,
		logger:   logger.With("component", "agentsvc"),
		locks:    newKeyLock(),
		entries:  make(map[types.SessionID]*entry),
	}
}

// SetSink sets the destination for forwarded events.
func (r *Registry) SetSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// OnServiceCreated registers a hook fired after a service is stored.
func (r *Registry) OnServiceCreated(fn func(types.SessionID, Service)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onCreated = append(r.onCreated, fn)
}

// OnServiceRemoved registers a hook fired after a service entry is deleted.
func (r *Registry) OnServiceRemoved(fn func(types.SessionID)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onRemoved = append(r.onRemoved, fn)
}

// Start subscribes to session removal and schedules the reaper.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrRegistryStopped
	}
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	r.sessions.OnSessionRemoved(func(id types.SessionID) {
		r.RemoveService(runCtx, id)
	})

	r.sched = r.opts.Scheduler
	if r.sched == nil {
		r.sched = scheduler.New(r.logger)
		r.ownsScheduler = true
	}
	err := r.sched.Add(scheduler.Job{
		Name:     reaperJobName,
		Schedule: "@every " + r.opts.ReapInterval.String(),
		Run: func(ctx context.Context) {
			if _, err := r.Reap(ctx); err != nil {
				r.logger.Warn("reap failed", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	if r.ownsScheduler {
		if err := r.sched.Start(runCtx); err != nil {
			return fmt.Errorf("start registry: %w", err)
		}
	}
	r.logger.Info("service registry started", "reap_interval", r.opts.ReapInterval)
	return nil
}

// Stop rejects further construction and removes every live service.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	if r.ownsScheduler && r.sched != nil {
		r.sched.Stop()
	}
	if cancel != nil {
		cancel()
	}
	for _, id := range r.IDs() {
		r.RemoveService(ctx, id)
	}
	r.logger.Info("service registry stopped")
}

// GetServiceForSession returns the session's live service, constructing it
// on first use. Concurrent callers for one id receive the same instance.
// A failed construction leaves no entry behind and is returned as is.
func (r *Registry) GetServiceForSession(ctx context.Context, id types.SessionID) (Service, error) {
	if svc, ok, err := r.active(id); ok || err != nil {
		return svc, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	if svc, ok, err := r.active(id); ok || err != nil {
		return svc, err
	}

	session, err := r.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	svc, err := r.factory(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("construct service for session %s: %w", id, err)
	}
	if svc == nil {
		return nil, fmt.Errorf("construct service for session %s: factory returned nil", id)
	}

	ent := &entry{svc: svc, state: stateActive}
	ent.unsubscribe = svc.Subscribe(r.forwarder(id, ent))

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.teardown(ctx, id, ent)
		return nil, ErrRegistryStopped
	}
	r.entries[id] = ent
	r.mu.Unlock()

	r.logger.Info("service created", "session_id", id)
	r.hooksMu.RLock()
	hooks := append(([]func(types.SessionID, Service))(nil), r.onCreated...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id, svc)
	}
	return svc, nil
}

// active returns the stored service if it is not draining.
func (r *Registry) active(id types.SessionID) (Service, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return nil, false, ErrRegistryStopped
	}
	if ent, ok := r.entries[id]; ok && ent.state == stateActive {
		return ent.svc, true, nil
	}
	return nil, false, nil
}

// forwarder annotates events with the owning session and hands them to the
// sink. Events from a draining entry, or tagged with another session, are
// dropped.
func (r *Registry) forwarder(id types.SessionID, ent *entry) func(events.Event) {
	return func(ev events.Event) {
		if ev == nil {
			return
		}
		r.mu.RLock()
		state, sink := ent.state, r.sink
		r.mu.RUnlock()
		if state != stateActive {
			r.logger.Debug("dropping event from draining service", "session_id", id, "event", ev.Kind())
			return
		}
		if other := ev.Session(); other != "" && other != id {
			r.logger.Warn("dropping event tagged with another session", "session_id", id, "event_session", other, "event", ev.Kind())
			return
		}
		if sink == nil {
			return
		}
		sink(events.Annotate(ev, id))
	}
}

// RemoveService drains and deletes the session's service. Abort failures are
// logged; the entry is removed regardless. Reports whether an entry existed.
func (r *Registry) RemoveService(ctx context.Context, id types.SessionID) bool {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	ent, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	ent.state = stateDraining
	r.mu.Unlock()

	r.teardown(ctx, id, ent)

	r.mu.Lock()
	if r.entries[id] == ent {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	r.logger.Info("service removed", "session_id", id)
	r.hooksMu.RLock()
	hooks := append(([]func(types.SessionID))(nil), r.onRemoved...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
	return true
}

// teardown unsubscribes the forwarder and aborts the service within
// AbortTimeout. A hung Abort is abandoned.
func (r *Registry) teardown(ctx context.Context, id types.SessionID, ent *entry) {
	if ent.unsubscribe != nil {
		ent.unsubscribe()
	}

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.AbortTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("abort panicked: %v", p)
			}
		}()
		done <- ent.svc.Abort(abortCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-abortCtx.Done():
		err = fmt.Errorf("abort session %s: %w", id, abortCtx.Err())
	}
	if err != nil {
		r.logger.Warn("abort failed during removal", "session_id", id, "error", err)
	}
}

// Reap removes every service whose session is no longer live and returns how
// many were removed.
func (r *Registry) Reap(ctx context.Context) (int, error) {
	live, err := r.sessions.AllSessionIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live sessions: %w", err)
	}
	alive := make(map[types.SessionID]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}

	removed := 0
	for _, id := range r.IDs() {
		if alive[id] {
			continue
		}
		if r.RemoveService(ctx, id) {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("reaped orphaned services", "count", removed)
	}
	return removed, nil
}

// IDs returns the sessions with a stored service, sorted.
func (r *Registry) IDs() []types.SessionID {
	r.mu.RLock()
	ids := make([]types.SessionID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Has reports whether the session has an active service.
func (r *Registry) Has(id types.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.entries[id]
	return ok && ent.state == stateActive
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
