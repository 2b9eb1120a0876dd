// Package bus routes domain events onto per-session lanes, folds them into
// each session's timeline and notifies observers. Everything for one session
// runs on that session's lane, so observers see events in arrival order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/gopherline/internal/agentsvc"
	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/timeline"
	"github.com/user/gopherline/internal/types"
)

// ServiceSource resolves the live agent service for a session.
type ServiceSource interface {
	GetServiceForSession(ctx context.Context, id types.SessionID) (agentsvc.Service, error)
}

// ItemSink persists timeline items that changed.
type ItemSink interface {
	Append(ctx context.Context, item types.TimelineItem) error
}

// ItemRemover is implemented by sinks that can forget truncated items.
type ItemRemover interface {
	Remove(ctx context.Context, sessionID types.SessionID, ids []types.ItemID) error
}

// Notification is what observers receive. Event is set for domain event
// kinds; Items and Removed describe timeline_updated; Err is set for
// timeline_fetch_failed.
type Notification struct {
	Kind      events.Kind
	SessionID types.SessionID
	Event     events.Event
	Items     []types.TimelineItem
	Removed   []types.ItemID
	Reset     bool
	Err       error
	At        time.Time
}

type Handler func(Notification)

type subscription struct {
	kinds map[events.Kind]bool
	fn    Handler
}

func (s *subscription) wants(k events.Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Options tunes a Bus. Zero values take the defaults.
type Options struct {
	MaxConcurrent int64
	LaneSize      int
	Timeline      timeline.Options
	Retry         *RetryPolicy
	Sink          ItemSink
	Logger        *slog.Logger
}

// Bus owns one timeline engine per session, created lazily on the session's
// lane with an initial fetch of the first history page.
type Bus struct {
	services ServiceSource
	fetcher  types.HistoryFetcher
	queue    *Queue
	opts     Options
	logger   *slog.Logger

	mu      sync.RWMutex
	engines map[types.SessionID]*timeline.Engine
	subs    map[types.SessionID]map[uint64]*subscription
	nextSub uint64
}

// New creates a Bus. services may be nil for a bus that only accepts
// already-annotated events through Dispatch.
func New(services ServiceSource, fetcher types.HistoryFetcher, opts Options) *Bus {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")
	if opts.Timeline.Logger == nil {
		opts.Timeline.Logger = logger
	}
	b := &Bus{
		services: services,
		fetcher:  fetcher,
		queue:    NewQueue(opts.MaxConcurrent, opts.LaneSize, logger),
		opts:     opts,
		logger:   logger,
		engines:  make(map[types.SessionID]*timeline.Engine),
		subs:     make(map[types.SessionID]map[uint64]*subscription),
	}
	b.queue.SetProcessor(b.process)
	return b
}

func (b *Bus) Start(ctx context.Context) {
	b.queue.Start(ctx)
}

// Stop closes every engine, which cancels in-flight fetches, then drains the
// lanes.
func (b *Bus) Stop() {
	b.mu.RLock()
	for _, eng := range b.engines {
		eng.Close()
	}
	b.mu.RUnlock()
	b.queue.Stop()
}

// WaitIdle blocks until every lane is empty or the timeout expires.
func (b *Bus) WaitIdle(timeout time.Duration) bool {
	return b.queue.WaitIdle(timeout)
}

// Ingest pushes a raw event through the session's agent service so that it
// is annotated and forwarded like any service-emitted event.
func (b *Bus) Ingest(ctx context.Context, sessionID types.SessionID, ev events.Event) error {
	if ev == nil {
		return fmt.Errorf("ingest into session %s: nil event", sessionID)
	}
	if b.services == nil {
		return b.Dispatch(events.Annotate(ev, sessionID))
	}
	svc, err := b.services.GetServiceForSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("ingest into session %s: %w", sessionID, err)
	}
	pusher, ok := svc.(agentsvc.Pusher)
	if !ok {
		return fmt.Errorf("ingest into session %s: service does not accept pushed events", sessionID)
	}
	if err := pusher.Push(ctx, ev); err != nil {
		return fmt.Errorf("ingest into session %s: %w", sessionID, err)
	}
	return nil
}

// Dispatch enqueues an annotated event on its session's lane, stamping the
// arrival time on events that carry none. It does not wait for processing.
func (b *Bus) Dispatch(ev events.Event) error {
	if ev == nil {
		return errors.New("dispatch: nil event")
	}
	sid := ev.Session()
	if sid == "" {
		return fmt.Errorf("dispatch %s: event has no session", ev.Kind())
	}
	return b.queue.Enqueue(&work{sessionID: sid, event: events.Stamp(ev, time.Now())})
}

// Sink adapts Dispatch for agentsvc.Registry.SetSink.
func (b *Bus) Sink() agentsvc.Sink {
	return func(ev events.Event) {
		if err := b.Dispatch(ev); err != nil {
			b.logger.Warn("dropping event", "event", ev.Kind(), "session_id", ev.Session(), "error", err)
		}
	}
}

// Subscribe registers fn for the given kinds on one session. An empty
// sessionID matches every session; no kinds matches every kind. Handlers
// run on the session's lane and must not block.
func (b *Bus) Subscribe(sessionID types.SessionID, kinds []events.Kind, fn Handler) (unsubscribe func()) {
	sub := &subscription{fn: fn}
	if len(kinds) > 0 {
		sub.kinds = make(map[events.Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[uint64]*subscription)
	}
	b.subs[sessionID][id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if m := b.subs[sessionID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, sessionID)
				}
			}
		})
	}
}

// GetTimeline returns one page of the session's visible timeline.
func (b *Bus) GetTimeline(ctx context.Context, sessionID types.SessionID, q timeline.QueryOptions) (types.TimelinePage, error) {
	var page types.TimelinePage
	err := b.do(ctx, sessionID, func(_ context.Context, eng *timeline.Engine) error {
		var err error
		page, err = eng.Query(q)
		return err
	})
	return page, err
}

// LoadHistory fetches the history page for pageToken into the session's
// timeline. An empty token loads the next unread page, or nothing once the
// history is exhausted. The fetch itself runs on the caller's goroutine so
// that live events keep flowing.
func (b *Bus) LoadHistory(ctx context.Context, sessionID types.SessionID, pageToken string) (types.TimelinePage, error) {
	var eng *timeline.Engine
	exhausted := false
	err := b.do(ctx, sessionID, func(_ context.Context, e *timeline.Engine) error {
		eng = e
		if pageToken == "" {
			next, loaded := e.History()
			pageToken, exhausted = next, loaded && next == ""
		}
		return nil
	})
	if err != nil {
		return types.TimelinePage{}, err
	}
	if exhausted {
		return types.TimelinePage{Items: []types.TimelineItem{}}, nil
	}

	page, err := eng.LoadPage(ctx, pageToken)
	if err != nil {
		b.post(sessionID, Notification{Kind: events.KindFetchFailed, SessionID: sessionID, Err: err, At: time.Now()})
		return types.TimelinePage{}, err
	}
	b.post(sessionID, Notification{Kind: events.KindTimelineUpdated, SessionID: sessionID, Items: page.Items, At: time.Now()})
	return page, nil
}

// TruncateTimelineAt removes the item and everything after it from the
// session's timeline and returns the removed ids.
func (b *Bus) TruncateTimelineAt(ctx context.Context, sessionID types.SessionID, itemID types.ItemID) ([]types.ItemID, error) {
	var removed []types.ItemID
	err := b.do(ctx, sessionID, func(ctx context.Context, eng *timeline.Engine) error {
		var err error
		removed, err = eng.TruncateAt(itemID)
		if err != nil {
			return err
		}
		if rm, ok := b.opts.Sink.(ItemRemover); ok {
			if err := rm.Remove(ctx, sessionID, removed); err != nil {
				b.logger.Error("persist truncation failed", "session_id", sessionID, "error", err)
			}
		}
		b.notify(Notification{Kind: events.KindTimelineUpdated, SessionID: sessionID, Removed: removed, At: time.Now()})
		return nil
	})
	return removed, err
}

// CloseSession drops the session's engine, lane and subscriptions. Work
// already on the lane is drained first.
func (b *Bus) CloseSession(sessionID types.SessionID) {
	b.mu.RLock()
	eng := b.engines[sessionID]
	b.mu.RUnlock()
	if eng != nil {
		eng.Close()
	}

	b.queue.CloseLane(sessionID)

	b.mu.Lock()
	if b.engines[sessionID] == eng {
		delete(b.engines, sessionID)
	}
	delete(b.subs, sessionID)
	b.mu.Unlock()
	b.logger.Debug("session closed", "session_id", sessionID)
}

// RemovalNotifier is implemented by session stores that announce removals.
type RemovalNotifier interface {
	OnSessionRemoved(fn func(types.SessionID))
}

// TrackRemovals closes a session's engine when src removes the session,
// including sessions that never had an agent service.
func (b *Bus) TrackRemovals(src RemovalNotifier) {
	src.OnSessionRemoved(b.CloseSession)
}

// Sessions returns the ids with a live engine, sorted.
func (b *Bus) Sessions() []types.SessionID {
	b.mu.RLock()
	ids := make([]types.SessionID, 0, len(b.engines))
	for id := range b.engines {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// do runs fn on the session's lane and waits for it.
func (b *Bus) do(ctx context.Context, sessionID types.SessionID, fn func(context.Context, *timeline.Engine) error) error {
	w := &work{sessionID: sessionID, command: fn, done: make(chan struct{})}
	if err := b.queue.Enqueue(w); err != nil {
		return err
	}
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a notification from the session's lane without waiting.
func (b *Bus) post(sessionID types.SessionID, n Notification) {
	w := &work{sessionID: sessionID, command: func(context.Context, *timeline.Engine) error {
		b.notify(n)
		return nil
	}}
	if err := b.queue.Enqueue(w); err != nil {
		b.logger.Warn("dropping notification", "kind", n.Kind, "session_id", sessionID, "error", err)
	}
}

func (b *Bus) process(ctx context.Context, w *work) {
	eng := b.engine(ctx, w.sessionID)
	if w.command != nil {
		w.finish(w.command(ctx, eng))
		return
	}

	ev := w.event
	changed, err := eng.Fold(ctx, ev)
	var ferr *timeline.FetchError
	fetchFailed := errors.As(err, &ferr)
	if err != nil {
		b.logger.Warn("fold failed", "session_id", w.sessionID, "event", ev.Kind(), "error", err)
		if fetchFailed {
			b.notify(Notification{Kind: events.KindFetchFailed, SessionID: w.sessionID, Err: err, At: time.Now()})
		}
	}

	b.notify(Notification{Kind: ev.Kind(), SessionID: w.sessionID, Event: ev, At: ev.At()})

	// A reset whose reload failed has still cleared both layers; observers
	// must drop what they hold.
	reset := ev.Kind() == events.KindSessionReset && (err == nil || fetchFailed)
	if len(changed) > 0 || reset {
		b.notify(Notification{Kind: events.KindTimelineUpdated, SessionID: w.sessionID, Items: changed, Reset: reset, At: time.Now()})
	}
	b.persist(ctx, changed)
}

// engine returns the session's engine, creating it and loading the first
// history page on first use. A failed initial load is retried per the
// retry policy and then reported; the engine is kept either way.
func (b *Bus) engine(ctx context.Context, sessionID types.SessionID) *timeline.Engine {
	b.mu.RLock()
	eng, ok := b.engines[sessionID]
	b.mu.RUnlock()
	if ok {
		return eng
	}

	eng = timeline.New(sessionID, b.fetcher, b.opts.Timeline)
	b.mu.Lock()
	b.engines[sessionID] = eng
	b.mu.Unlock()

	if b.fetcher == nil {
		return eng
	}
	err := b.opts.Retry.Execute(ctx, func(ctx context.Context) error {
		_, err := eng.LoadPage(ctx, "")
		return err
	})
	if err != nil {
		b.logger.Warn("initial history load failed", "session_id", sessionID, "error", err)
		b.notify(Notification{Kind: events.KindFetchFailed, SessionID: sessionID, Err: err, At: time.Now()})
		return eng
	}
	b.notify(Notification{Kind: events.KindTimelineUpdated, SessionID: sessionID, Items: eng.Items(), At: time.Now()})
	return eng
}

func (b *Bus) persist(ctx context.Context, items []types.TimelineItem) {
	if b.opts.Sink == nil {
		return
	}
	for _, it := range items {
		if err := b.opts.Sink.Append(ctx, it); err != nil {
			b.logger.Error("persist timeline item failed", "item", it.ID(), "error", err)
		}
	}
}

// notify runs matching handlers for the notification's session and the
// wildcard session. A panicking handler is logged and skipped.
func (b *Bus) notify(n Notification) {
	b.mu.RLock()
	var handlers []Handler
	for _, key := range []types.SessionID{n.SessionID, ""} {
		ids := make([]uint64, 0, len(b.subs[key]))
		for id := range b.subs[key] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if sub := b.subs[key][id]; sub.wants(n.Kind) {
				handlers = append(handlers, sub.fn)
			}
		}
		if n.SessionID == "" {
			break
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					b.logger.Error("observer panicked", "kind", n.Kind, "session_id", n.SessionID, "panic", p)
				}
			}()
			fn(n)
		}()
	}
}
