package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gopherline/internal/agentsvc"
	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/timeline"
	"github.com/user/gopherline/internal/types"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func ts(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

type pagedFetcher struct {
	mu    sync.Mutex
	pages map[string]types.TimelinePage
	err   error
	calls int
}

func (f *pagedFetcher) Fetch(_ context.Context, _ types.SessionID, token string) (types.TimelinePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return types.TimelinePage{}, f.err
	}
	return f.pages[token], nil
}

func (f *pagedFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) handle(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.got))
	for i, n := range r.got {
		out[i] = n.Kind
	}
	return out
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

type memorySink struct {
	mu    sync.Mutex
	items []types.TimelineItem
}

func (s *memorySink) Append(_ context.Context, it types.TimelineItem) error {
	s.mu.Lock()
	s.items = append(s.items, it)
	s.mu.Unlock()
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newBus(t *testing.T, fetcher types.HistoryFetcher, opts Options) *Bus {
	t.Helper()
	opts.Logger = quietLogger()
	if opts.Retry == nil {
		opts.Retry = &RetryPolicy{MaxAttempts: 1}
	}
	b := New(nil, fetcher, opts)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b
}

func userMessage(id, text string, at time.Time) *types.Message {
	return &types.Message{ID: types.ItemID(id), Role: types.RoleUser, Timestamp: at,
		Content: []types.ContentPart{{Type: types.ContentText, Text: text}}}
}

func created(sid types.SessionID, m *types.Message) events.Event {
	return events.MessageCreated{Base: events.Base{SessionID: sid, Timestamp: m.Timestamp}, Message: m}
}

func itemIDs(items []types.TimelineItem) []types.ItemID {
	out := make([]types.ItemID, len(items))
	for i, it := range items {
		out[i] = it.ID()
	}
	return out
}

func idle(t *testing.T, b *Bus) {
	t.Helper()
	require.True(t, b.WaitIdle(2*time.Second), "bus did not go idle")
}

func TestBus_DispatchFoldsAndNotifies(t *testing.T) {
	f := &pagedFetcher{pages: map[string]types.TimelinePage{
		"": {Items: []types.TimelineItem{types.NewMessageItem(userMessage("h1", "earlier", ts(-60)))}, TotalCount: 1},
	}}
	sink := &memorySink{}
	b := newBus(t, f, Options{Sink: sink})
	rec := &recorder{}
	b.Subscribe("s1", nil, rec.handle)

	ev := created("s1", userMessage("m1", "hello", ts(0)))
	require.NoError(t, b.Dispatch(ev))
	require.NoError(t, b.Dispatch(ev))
	idle(t, b)

	assert.Equal(t, []events.Kind{
		events.KindTimelineUpdated, // initial history load
		events.KindMessageCreated,
		events.KindTimelineUpdated,
		events.KindMessageCreated, // replay: no timeline change
	}, rec.kinds())

	page, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"h1", "m1"}, itemIDs(page.Items))
	assert.Equal(t, 1, f.calls)

	sink.mu.Lock()
	assert.Equal(t, []types.ItemID{"m1"}, itemIDs(sink.items))
	sink.mu.Unlock()
}

func TestBus_KindFilterAndSessionIsolation(t *testing.T) {
	b := newBus(t, nil, Options{})
	s1, s2, all := &recorder{}, &recorder{}, &recorder{}
	b.Subscribe("s1", []events.Kind{events.KindMessageCreated}, s1.handle)
	b.Subscribe("s2", nil, s2.handle)
	b.Subscribe("", []events.Kind{events.KindMessageCreated}, all.handle)

	require.NoError(t, b.Dispatch(created("s1", userMessage("a", "one", ts(0)))))
	require.NoError(t, b.Dispatch(created("s2", userMessage("b", "two", ts(0)))))
	idle(t, b)

	assert.Equal(t, []events.Kind{events.KindMessageCreated}, s1.kinds())
	for _, n := range s2.all() {
		assert.Equal(t, types.SessionID("s2"), n.SessionID)
	}
	assert.Len(t, all.all(), 2)

	page, err := b.GetTimeline(context.Background(), "s2", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"b"}, itemIDs(page.Items), "no cross-session leakage")
}

func TestBus_PerSessionOrderingUnderLoad(t *testing.T) {
	b := newBus(t, nil, Options{MaxConcurrent: 2})
	rec := &recorder{}
	b.Subscribe("", []events.Kind{events.KindMessageCreated}, rec.handle)

	sessions := []types.SessionID{"a", "b", "c"}
	for i := 0; i < 30; i++ {
		for _, sid := range sessions {
			m := userMessage(fmt.Sprintf("%s-%02d", sid, i), fmt.Sprint(i), ts(i*10))
			require.NoError(t, b.Dispatch(created(sid, m)))
		}
	}
	idle(t, b)

	seen := make(map[types.SessionID][]types.ItemID)
	for _, n := range rec.all() {
		mc := n.Event.(events.MessageCreated)
		seen[n.SessionID] = append(seen[n.SessionID], mc.Message.ID)
	}
	for _, sid := range sessions {
		require.Len(t, seen[sid], 30)
		for i, id := range seen[sid] {
			assert.Equal(t, types.ItemID(fmt.Sprintf("%s-%02d", sid, i)), id)
		}
	}
}

func TestBus_InitialFetchFailure(t *testing.T) {
	f := &pagedFetcher{err: errors.New("backend unavailable")}
	b := newBus(t, f, Options{})
	rec := &recorder{}
	b.Subscribe("s1", []events.Kind{events.KindFetchFailed}, rec.handle)

	require.NoError(t, b.Dispatch(created("s1", userMessage("m1", "hi", ts(0)))))
	idle(t, b)

	got := rec.all()
	require.Len(t, got, 1)
	var ferr *timeline.FetchError
	assert.ErrorAs(t, got[0].Err, &ferr)

	page, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"m1"}, itemIDs(page.Items), "live events fold without history")

	f.setErr(nil)
	f.mu.Lock()
	f.pages = map[string]types.TimelinePage{"": {Items: []types.TimelineItem{types.NewMessageItem(userMessage("h1", "old", ts(-5)))}}}
	f.mu.Unlock()
	_, err = b.LoadHistory(context.Background(), "s1", "")
	require.NoError(t, err)
	page, err = b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"h1", "m1"}, itemIDs(page.Items))
}

func TestBus_InitialFetchRetries(t *testing.T) {
	f := &flakyFetcher{failures: 2}
	b := newBus(t, f, Options{Retry: &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}})
	rec := &recorder{}
	b.Subscribe("s1", []events.Kind{events.KindFetchFailed}, rec.handle)

	_, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, rec.all())
	assert.Equal(t, 3, f.calls)
}

type flakyFetcher struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyFetcher) Fetch(context.Context, types.SessionID, string) (types.TimelinePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return types.TimelinePage{}, errors.New("connection reset")
	}
	return types.TimelinePage{}, nil
}

func TestBus_LoadHistoryPages(t *testing.T) {
	f := &pagedFetcher{pages: map[string]types.TimelinePage{
		"":   {Items: []types.TimelineItem{types.NewMessageItem(userMessage("p1", "page one", ts(10)))}, NextPageToken: "p2"},
		"p2": {Items: []types.TimelineItem{types.NewMessageItem(userMessage("p2", "page two", ts(0)))}},
	}}
	b := newBus(t, f, Options{})

	page, err := b.LoadHistory(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"p2"}, itemIDs(page.Items), "initial load consumed page one")

	page, err = b.LoadHistory(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.Empty(t, page.Items, "history exhausted")

	tl, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"p2", "p1"}, itemIDs(tl.Items))
}

func TestBus_TruncateTimelineAt(t *testing.T) {
	b := newBus(t, nil, Options{})
	rec := &recorder{}
	b.Subscribe("s1", []events.Kind{events.KindTimelineUpdated}, rec.handle)

	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, b.Dispatch(created("s1", userMessage(id, id, ts(i*10)))))
	}

	removed, err := b.TruncateTimelineAt(context.Background(), "s1", "m2")
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"m2", "m3"}, removed)

	got := rec.all()
	require.NotEmpty(t, got)
	assert.Equal(t, removed, got[len(got)-1].Removed)

	// A late replay of a truncated item is ignored.
	require.NoError(t, b.Dispatch(created("s1", userMessage("m3", "m3", ts(20)))))
	page, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"m1"}, itemIDs(page.Items))

	_, err = b.TruncateTimelineAt(context.Background(), "s1", "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBus_SessionResetNotifies(t *testing.T) {
	f := &pagedFetcher{pages: map[string]types.TimelinePage{
		"": {Items: []types.TimelineItem{types.NewMessageItem(userMessage("h1", "history", ts(0)))}},
	}}
	b := newBus(t, f, Options{})
	rec := &recorder{}
	b.Subscribe("s1", []events.Kind{events.KindTimelineUpdated}, rec.handle)

	require.NoError(t, b.Dispatch(created("s1", userMessage("live", "live", ts(5)))))
	require.NoError(t, b.Dispatch(events.SessionReset{Base: events.Base{SessionID: "s1"}}))
	idle(t, b)

	got := rec.all()
	require.NotEmpty(t, got)
	assert.True(t, got[len(got)-1].Reset)

	page, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"h1"}, itemIDs(page.Items))
}

func TestBus_ResetAnnouncedWhenReloadFails(t *testing.T) {
	f := &pagedFetcher{pages: map[string]types.TimelinePage{
		"": {Items: []types.TimelineItem{types.NewMessageItem(userMessage("h1", "history", ts(0)))}},
	}}
	b := newBus(t, f, Options{})
	rec := &recorder{}
	b.Subscribe("s1", []events.Kind{events.KindTimelineUpdated, events.KindFetchFailed}, rec.handle)

	require.NoError(t, b.Dispatch(created("s1", userMessage("live", "live", ts(5)))))
	idle(t, b)
	f.setErr(errors.New("backend down"))
	require.NoError(t, b.Dispatch(events.SessionReset{Base: events.Base{SessionID: "s1", Timestamp: ts(6)}}))
	idle(t, b)

	got := rec.all()
	require.GreaterOrEqual(t, len(got), 2)
	failed, updated := got[len(got)-2], got[len(got)-1]
	assert.Equal(t, events.KindFetchFailed, failed.Kind)
	assert.Error(t, failed.Err)
	assert.Equal(t, events.KindTimelineUpdated, updated.Kind)
	assert.True(t, updated.Reset, "observers learn the layers were cleared")

	page, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestBus_DispatchStampsArrivalTime(t *testing.T) {
	b := newBus(t, nil, Options{})
	rec := &recorder{}
	b.Subscribe("s1", []events.Kind{events.KindProcessingStarted}, rec.handle)

	before := time.Now()
	require.NoError(t, b.Dispatch(events.ProcessingStarted{Base: events.Base{SessionID: "s1"}}))
	idle(t, b)

	got := rec.all()
	require.Len(t, got, 1)
	assert.False(t, got[0].Event.At().Before(before))
	assert.Equal(t, got[0].At, got[0].Event.At(), "observers see the stamped event")
}

type removalSource struct{ fns []func(types.SessionID) }

func (r *removalSource) OnSessionRemoved(fn func(types.SessionID)) { r.fns = append(r.fns, fn) }

func (r *removalSource) remove(id types.SessionID) {
	for _, fn := range r.fns {
		fn(id)
	}
}

func TestBus_TrackRemovalsClosesServicelessSession(t *testing.T) {
	b := newBus(t, nil, Options{})
	src := &removalSource{}
	b.TrackRemovals(src)

	_, err := b.GetTimeline(context.Background(), "viewer-only", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.SessionID{"viewer-only"}, b.Sessions())

	src.remove("viewer-only")
	assert.Empty(t, b.Sessions())
}

func TestBus_CloseSession(t *testing.T) {
	b := newBus(t, nil, Options{})
	rec := &recorder{}
	b.Subscribe("s1", nil, rec.handle)

	require.NoError(t, b.Dispatch(created("s1", userMessage("m1", "hi", ts(0)))))
	idle(t, b)
	assert.Equal(t, []types.SessionID{"s1"}, b.Sessions())

	b.CloseSession("s1")
	assert.Empty(t, b.Sessions())
	before := len(rec.all())

	require.NoError(t, b.Dispatch(created("s1", userMessage("m2", "again", ts(1)))))
	idle(t, b)
	assert.Len(t, rec.all(), before, "subscriptions are dropped with the session")

	page, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"m2"}, itemIDs(page.Items), "a fresh engine starts empty")
}

func TestBus_UnsubscribeAndPanickingObserver(t *testing.T) {
	b := newBus(t, nil, Options{})
	rec := &recorder{}
	b.Subscribe("s1", nil, func(Notification) { panic("observer bug") })
	unsub := b.Subscribe("s1", nil, rec.handle)

	require.NoError(t, b.Dispatch(created("s1", userMessage("m1", "hi", ts(0)))))
	idle(t, b)
	n := len(rec.all())
	assert.Positive(t, n)

	unsub()
	unsub()
	require.NoError(t, b.Dispatch(created("s1", userMessage("m2", "hi", ts(1)))))
	idle(t, b)
	assert.Len(t, rec.all(), n)
}

func TestBus_DispatchRequiresSession(t *testing.T) {
	b := newBus(t, nil, Options{})
	assert.Error(t, b.Dispatch(events.ProcessingStarted{}))
	assert.Error(t, b.Dispatch(nil))
}

func TestBus_StoppedRejectsWork(t *testing.T) {
	b := New(nil, nil, Options{Logger: quietLogger()})
	b.Start(context.Background())
	b.Stop()

	assert.ErrorIs(t, b.Dispatch(created("s1", userMessage("m", "x", ts(0)))), ErrStopped)
	_, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	assert.ErrorIs(t, err, ErrStopped)
}

type staticSessions struct{ ids []types.SessionID }

func (s staticSessions) GetSession(_ context.Context, id types.SessionID) (*types.Session, error) {
	for _, known := range s.ids {
		if known == id {
			return &types.Session{ID: id}, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s staticSessions) AllSessionIDs(context.Context) ([]types.SessionID, error) { return s.ids, nil }
func (s staticSessions) OnSessionRemoved(func(types.SessionID))                   {}

func TestBus_IngestThroughRegistry(t *testing.T) {
	reg := agentsvc.New(staticSessions{ids: []types.SessionID{"s1"}}, agentsvc.RelayFactory, agentsvc.Options{Logger: quietLogger()})
	b := New(reg, nil, Options{Logger: quietLogger()})
	b.Start(context.Background())
	defer b.Stop()
	reg.SetSink(b.Sink())
	reg.OnServiceRemoved(b.CloseSession)

	err := b.Ingest(context.Background(), "s1", events.MessageCreated{Message: userMessage("m1", "hi", ts(0))})
	require.NoError(t, err)
	idle(t, b)

	page, err := b.GetTimeline(context.Background(), "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, types.SessionID("s1"), page.Items[0].Message.SessionID, "forwarder annotated the event")

	err = b.Ingest(context.Background(), "ghost", events.ProcessingStarted{})
	assert.ErrorIs(t, err, types.ErrNotFound)

	reg.RemoveService(context.Background(), "s1")
	assert.Empty(t, b.Sessions())
}

func TestChannelSubscriberDropsOldest(t *testing.T) {
	c := NewChannelSubscriber(2)
	for i := 0; i < 5; i++ {
		c.Handle(Notification{Kind: events.KindTimelineUpdated, Removed: []types.ItemID{types.ItemID(fmt.Sprint(i))}})
	}
	assert.Equal(t, int64(3), c.Dropped())

	first := <-c.C()
	second := <-c.C()
	assert.Equal(t, []types.ItemID{"3"}, first.Removed)
	assert.Equal(t, []types.ItemID{"4"}, second.Removed)

	c.Close()
	c.Close()
	c.Handle(Notification{})
	_, ok := <-c.C()
	assert.False(t, ok)
}

func TestChannelSubscriberReportsEachDrop(t *testing.T) {
	c := NewChannelSubscriber(1)
	var lost []types.ItemID
	c.OnDrop(func(n Notification) { lost = append(lost, n.Removed...) })
	for i := 0; i < 3; i++ {
		c.Handle(Notification{Kind: events.KindTimelineUpdated, Removed: []types.ItemID{types.ItemID(fmt.Sprint(i))}})
	}

	assert.Equal(t, []types.ItemID{"0", "1"}, lost)
	assert.Equal(t, int64(len(lost)), c.Dropped())
	assert.Equal(t, []types.ItemID{"2"}, (<-c.C()).Removed)
}
