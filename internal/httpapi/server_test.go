package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gopherline/internal/bus"
	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/state"
	"github.com/user/gopherline/internal/types"
)

type fixture struct {
	srv      *Server
	bus      *bus.Bus
	sessions *state.SessionStore
	items    *state.ItemStore
	journal  *state.EventLog
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		sessions: state.NewSessionStore(dir),
		items:    state.NewItemStore(dir, 2),
		journal:  state.NewEventLog(dir),
	}
	f.bus = bus.New(nil, f.items, bus.Options{
		Sink:   f.items,
		Retry:  &bus.RetryPolicy{MaxAttempts: 1},
		Logger: quietLogger(),
	})
	f.bus.Start(context.Background())
	t.Cleanup(f.bus.Stop)

	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	f.srv = NewServer(f.sessions, f.bus, f.journal, opts)
	return f
}

func (f *fixture) createSession(t *testing.T, id types.SessionID) {
	t.Helper()
	_, err := f.sessions.Create(context.Background(), id, types.SessionConfig{Agent: "default"})
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func messageEvent(id string, sec int) string {
	at := time.Date(2024, 1, 1, 12, 0, sec, 0, time.UTC).Format(time.RFC3339)
	return fmt.Sprintf(`{"type":"message_created","timestamp":%q,"message":{"id":%q,"role":"user","content":[{"type":"text","text":%q}],"timestamp":%q}}`, at, id, id, at)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func pageIDs(page types.TimelinePage) []types.ItemID {
	ids := make([]types.ItemID, len(page.Items))
	for i, it := range page.Items {
		ids[i] = it.ID()
	}
	return ids
}

func TestHealthEndpoint(t *testing.T) {
	f := setup(t, Options{})

	w := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestSessionCRUD(t *testing.T) {
	f := setup(t, Options{})

	w := f.do(t, http.MethodPost, "/api/sessions", `{"session_id":"s1","config":{"model":"gpt-4o"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[types.Session](t, w)
	assert.Equal(t, types.SessionID("s1"), created.ID)
	assert.Equal(t, "gpt-4o", created.Config.Model)

	w = f.do(t, http.MethodPost, "/api/sessions", `{"session_id":"s1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/sessions", `{"session_id":"../escape"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, decode[types.Session](t, w).ID)

	w = f.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 2)

	w = f.do(t, http.MethodGet, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodDelete, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestAndTimeline(t *testing.T) {
	f := setup(t, Options{})
	f.createSession(t, "s1")

	for i, id := range []string{"m1", "m2", "m3"} {
		w := f.do(t, http.MethodPost, "/api/sessions/s1/events", messageEvent(id, i))
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}
	require.True(t, f.bus.WaitIdle(2*time.Second))

	w := f.do(t, http.MethodGet, "/api/sessions/s1/timeline?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[types.TimelinePage](t, w)
	assert.Equal(t, []types.ItemID{"m1", "m2"}, pageIDs(page))
	assert.Equal(t, 3, page.TotalCount)
	require.NotEmpty(t, page.NextPageToken)

	w = f.do(t, http.MethodGet, "/api/sessions/s1/timeline?page_token="+page.NextPageToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []types.ItemID{"m3"}, pageIDs(decode[types.TimelinePage](t, w)))

	w = f.do(t, http.MethodGet, "/api/sessions/s1/timeline?types=tool_execution", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[types.TimelinePage](t, w).Items)

	// Changed items reach the store.
	n, err := f.items.Count(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestIngestErrors(t *testing.T) {
	f := setup(t, Options{})
	f.createSession(t, "s1")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/api/sessions/s1/events", `{`, http.StatusBadRequest},
		{"unknown type", "/api/sessions/s1/events", `{"type":"bogus"}`, http.StatusBadRequest},
		{"foreign session", "/api/sessions/s1/events", `{"type":"processing_started","sessionId":"s2"}`, http.StatusBadRequest},
		{"unknown session", "/api/sessions/nope/events", messageEvent("m1", 0), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestTimelineBadQuery(t *testing.T) {
	f := setup(t, Options{})
	f.createSession(t, "s1")

	w := f.do(t, http.MethodGet, "/api/sessions/s1/timeline?types=widget", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/sessions/s1/timeline?page_token=!!", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/sessions/nope/timeline", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTruncate(t *testing.T) {
	f := setup(t, Options{})
	f.createSession(t, "s1")
	for i, id := range []string{"m1", "m2", "m3"} {
		f.do(t, http.MethodPost, "/api/sessions/s1/events", messageEvent(id, i))
	}
	require.True(t, f.bus.WaitIdle(2*time.Second))

	w := f.do(t, http.MethodPost, "/api/sessions/s1/truncate", `{"item_id":"m2"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[map[string][]types.ItemID](t, w)
	assert.Equal(t, []types.ItemID{"m2", "m3"}, resp["removed"])

	w = f.do(t, http.MethodGet, "/api/sessions/s1/timeline", "")
	assert.Equal(t, []types.ItemID{"m1"}, pageIDs(decode[types.TimelinePage](t, w)))

	w = f.do(t, http.MethodPost, "/api/sessions/s1/truncate", `{"item_id":"zzz"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/sessions/s1/truncate", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoadHistory(t *testing.T) {
	f := setup(t, Options{})
	f.createSession(t, "s1")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := types.ItemID(fmt.Sprintf("h%d", i))
		item := types.NewMessageItem(&types.Message{
			ID: id, SessionID: "s1", Role: types.RoleUser,
			Content:   []types.ContentPart{{Type: types.ContentText, Text: string(id)}},
			Timestamp: time.Date(2024, 1, 1, 12, 0, i, 0, time.UTC),
		})
		require.NoError(t, f.items.Append(ctx, item))
	}

	// First access loads the newest page.
	w := f.do(t, http.MethodGet, "/api/sessions/s1/timeline", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []types.ItemID{"h1", "h2"}, pageIDs(decode[types.TimelinePage](t, w)))

	w = f.do(t, http.MethodPost, "/api/sessions/s1/timeline/load", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []types.ItemID{"h0"}, pageIDs(decode[types.TimelinePage](t, w)))

	w = f.do(t, http.MethodGet, "/api/sessions/s1/timeline", "")
	assert.Equal(t, []types.ItemID{"h0", "h1", "h2"}, pageIDs(decode[types.TimelinePage](t, w)))

	// Exhausted history returns an empty page.
	w = f.do(t, http.MethodPost, "/api/sessions/s1/timeline/load", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[types.TimelinePage](t, w).Items)
}

func TestJournalEndpoint(t *testing.T) {
	f := setup(t, Options{})
	f.createSession(t, "s1")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.journal.Append(ctx, events.ProcessingStarted{Base: events.Base{SessionID: "s1"}})
		require.NoError(t, err)
	}

	w := f.do(t, http.MethodGet, "/api/sessions/s1/events?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]state.JournalEntry](t, w)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[1].Seq)

	w = f.do(t, http.MethodGet, "/api/sessions", "")
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, float64(3), list[0]["event_count"])
}

func TestAuthToken(t *testing.T) {
	f := setup(t, Options{AuthToken: "secret"})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/sessions", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/sessions?token=secret", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/sessions?token=wrong", "").Code)
}

func TestSubscribeStream(t *testing.T) {
	f := setup(t, Options{})
	f.createSession(t, "s1")

	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/s1/subscribe?types=message_created,timeline_updated"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	post, err := http.Post(ts.URL+"/api/sessions/s1/events", "application/json", strings.NewReader(messageEvent("m1", 0)))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusAccepted, post.StatusCode)

	var got []WireNotification
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < 2 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var n WireNotification
		require.NoError(t, json.Unmarshal(data, &n))
		if n.Type == events.KindTimelineUpdated && len(n.Items) == 0 {
			// initial history load of an empty session
			continue
		}
		got = append(got, n)
	}

	assert.Equal(t, events.KindMessageCreated, got[0].Type)
	assert.Equal(t, types.SessionID("s1"), got[0].SessionID)
	ev, err := events.Decode(got[0].Event)
	require.NoError(t, err)
	assert.Equal(t, types.SessionID("s1"), ev.Session())

	assert.Equal(t, events.KindTimelineUpdated, got[1].Type)
	require.Len(t, got[1].Items, 1)
	assert.Equal(t, types.ItemID("m1"), got[1].Items[0].ID())
}

func TestSubscribeRejectsBadRequests(t *testing.T) {
	f := setup(t, Options{})
	f.createSession(t, "s1")

	w := f.do(t, http.MethodGet, "/api/sessions/s1/subscribe?types=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/sessions/nope/subscribe", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEncodeNotification(t *testing.T) {
	data, err := EncodeNotification(bus.Notification{
		Kind:      events.KindFetchFailed,
		SessionID: "s1",
		Err:       fmt.Errorf("boom"),
	})
	require.NoError(t, err)

	var n WireNotification
	require.NoError(t, json.Unmarshal(data, &n))
	assert.Equal(t, events.KindFetchFailed, n.Type)
	assert.Equal(t, "boom", n.Error)
	assert.Nil(t, n.Event)
}
