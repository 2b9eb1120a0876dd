// internal/httpapi/server.go
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/user/gopherline/internal/agentsvc"
	"github.com/user/gopherline/internal/bus"
	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/state"
	"github.com/user/gopherline/internal/timeline"
	"github.com/user/gopherline/internal/types"
)

// Sessions is the session store the API manages.
type Sessions interface {
	Create(ctx context.Context, id types.SessionID, cfg types.SessionConfig) (*types.Session, error)
	GetSession(ctx context.Context, id types.SessionID) (*types.Session, error)
	List(ctx context.Context) ([]*types.Session, error)
	Remove(ctx context.Context, id types.SessionID) error
}

// Timelines is the event bus surface the API exposes.
type Timelines interface {
	Ingest(ctx context.Context, sessionID types.SessionID, ev events.Event) error
	GetTimeline(ctx context.Context, sessionID types.SessionID, q timeline.QueryOptions) (types.TimelinePage, error)
	LoadHistory(ctx context.Context, sessionID types.SessionID, pageToken string) (types.TimelinePage, error)
	TruncateTimelineAt(ctx context.Context, sessionID types.SessionID, itemID types.ItemID) ([]types.ItemID, error)
	Subscribe(sessionID types.SessionID, kinds []events.Kind, fn bus.Handler) (unsubscribe func())
}

// Journal is the read side of the per-session event log.
type Journal interface {
	Tail(ctx context.Context, sessionID types.SessionID, limit int) ([]*state.JournalEntry, error)
	Count(ctx context.Context, sessionID types.SessionID) (int64, error)
}

// Options configures a Server.
type Options struct {
	// AuthToken, when set, is required as a bearer token on every route but
	// /health. WebSocket clients may pass it as ?token= instead.
	AuthToken string
	// SubscriberBuffer bounds each WebSocket subscriber's backlog.
	SubscriberBuffer int
	Logger           *slog.Logger
}

// Server is the HTTP and WebSocket transport for sessions and timelines.
type Server struct {
	sessions  Sessions
	timelines Timelines
	journal   Journal
	opts      Options
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
}

// NewServer creates a Server. journal may be nil, in which case the events
// endpoint answers 503.
func NewServer(sessions Sessions, timelines Timelines, journal Journal, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions:  sessions,
		timelines: timelines,
		journal:   journal,
		opts:      opts,
		logger:    logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.auth(s.handleListSessions))
	s.mux.HandleFunc("POST /api/sessions", s.auth(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/sessions/{id}", s.auth(s.handleGetSession))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.auth(s.handleRemoveSession))
	s.mux.HandleFunc("POST /api/sessions/{id}/events", s.auth(s.handleIngest))
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.auth(s.handleJournal))
	s.mux.HandleFunc("GET /api/sessions/{id}/timeline", s.auth(s.handleTimeline))
	s.mux.HandleFunc("POST /api/sessions/{id}/timeline/load", s.auth(s.handleLoadHistory))
	s.mux.HandleFunc("POST /api/sessions/{id}/truncate", s.auth(s.handleTruncate))
	s.mux.HandleFunc("GET /api/sessions/{id}/subscribe", s.auth(s.handleSubscribe))
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.AuthToken == "" {
		return next
	}
	want := []byte(s.opts.AuthToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a domain error onto a status code. Unexpected errors are logged
// and reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, timeline.ErrInvalidPageToken), errors.Is(err, state.ErrInvalidPageToken),
		errors.Is(err, state.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, state.ErrSessionExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bus.ErrStopped), errors.Is(err, agentsvc.ErrRegistryStopped), errors.Is(err, agentsvc.ErrAborted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timed out")
	default:
		var fe *timeline.FetchError
		if errors.As(err, &fe) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// session resolves the {id} path value to a stored session, answering 404
// itself when it does not exist.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (types.SessionID, bool) {
	id := types.SessionID(r.PathValue("id"))
	if _, err := s.sessions.GetSession(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionResponse struct {
	*types.Session
	EventCount int64 `json:"event_count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp := sessionResponse{Session: sess}
		if s.journal != nil {
			count, err := s.journal.Count(ctx, sess.ID)
			if err != nil {
				s.logger.Warn("count events failed", "session_id", sess.ID, "error", err)
			}
			resp.EventCount = count
		}
		result = append(result, resp)
	}
	writeJSON(w, http.StatusOK, result)
}

type createSessionRequest struct {
	ID     types.SessionID     `json:"session_id"`
	Config types.SessionConfig `json:"config"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.ID, req.Config)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.Context(), types.SessionID(r.PathValue("id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Remove(r.Context(), types.SessionID(r.PathValue("id"))); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIngest accepts one event in its wire form. Events are processed
// asynchronously; subscribers observe the result.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.session(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := events.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sid := ev.Session(); sid != "" && sid != id {
		writeError(w, http.StatusBadRequest, "event belongs to session "+string(sid))
		return
	}
	if err := s.timelines.Ingest(r.Context(), id, ev); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "type": string(ev.Kind())})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "event journal not configured")
		return
	}
	id, ok := s.session(w, r)
	if !ok {
		return
	}
	entries, err := s.journal.Tail(r.Context(), id, queryInt(r, "limit", 200))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*state.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.session(w, r)
	if !ok {
		return
	}
	kinds, err := timeline.ParseKinds(r.URL.Query().Get("types"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.timelines.GetTimeline(r.Context(), id, timeline.QueryOptions{
		Limit:     queryInt(r, "limit", 0),
		PageToken: r.URL.Query().Get("page_token"),
		Types:     kinds,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleLoadHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.session(w, r)
	if !ok {
		return
	}
	page, err := s.timelines.LoadHistory(r.Context(), id, r.URL.Query().Get("page_token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type truncateRequest struct {
	ItemID types.ItemID `json:"item_id"`
}

func (s *Server) handleTruncate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.session(w, r)
	if !ok {
		return
	}
	var req truncateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}
	removed, err := s.timelines.TruncateTimelineAt(r.Context(), id, req.ItemID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if removed == nil {
		removed = []types.ItemID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func queryInt(r *http.Request, key string, def int) int {
	if q := r.URL.Query().Get(key); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return def
}
