// internal/state/session.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/gopherline/internal/types"
)

var (
	ErrSessionExists    = errors.New("session already exists")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// validSessionID rejects ids that cannot name a directory under sessions/.
func validSessionID(id types.SessionID) bool {
	s := string(id)
	return s != "." && s != ".." && s != "sessions.json" && !strings.ContainsAny(s, `/\`+"\x00")
}

// SessionStore is a JSON-file-backed session store.
// It stores session index data in sessions/sessions.json and creates
// per-session directories at sessions/<sessionID>/.
type SessionStore struct {
	root string
	mu   sync.RWMutex

	listenersMu sync.RWMutex
	listeners   []func(types.SessionID)
}

// NewSessionStore creates a new file-backed SessionStore rooted at the given directory.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

func (s *SessionStore) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

func (s *SessionStore) sessionDir(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id))
}

// loadIndex reads sessions.json and returns a map keyed by SessionID.
func (s *SessionStore) loadIndex() (map[types.SessionID]*types.Session, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*types.Session), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}

	index := make(map[types.SessionID]*types.Session, len(sessions))
	for _, sess := range sessions {
		index[sess.ID] = sess
	}
	return index, nil
}

// saveIndex converts the map to a slice sorted by creation time, marshals
// with indentation, and writes atomically.
func (s *SessionStore) saveIndex(index map[types.SessionID]*types.Session) error {
	sessions := sortedSessions(index)

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}

	dir := s.sessionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

func sortedSessions(index map[types.SessionID]*types.Session) []*types.Session {
	sessions := make([]*types.Session, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// Create stores a new active session. An empty id is generated.
func (s *SessionStore) Create(_ context.Context, id types.SessionID, cfg types.SessionConfig) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	if id == "" {
		id = types.NewSessionID()
	}
	if !validSessionID(id) {
		return nil, fmt.Errorf("create session %q: %w", id, ErrInvalidSessionID)
	}
	if _, ok := index[id]; ok {
		return nil, fmt.Errorf("create session %s: %w", id, ErrSessionExists)
	}

	now := time.Now()
	session := &types.Session{
		ID:        id,
		Status:    "active",
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	index[id] = session

	if err := s.saveIndex(index); err != nil {
		return nil, err
	}

	// Create session directory on demand
	if err := os.MkdirAll(s.sessionDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	cp := *session
	return &cp, nil
}

// GetSession returns the session with the given ID.
func (s *SessionStore) GetSession(_ context.Context, id types.SessionID) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	sess, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return sess, nil
}

// List returns all sessions, oldest first.
func (s *SessionStore) List(_ context.Context) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sortedSessions(index), nil
}

// AllSessionIDs returns the ids of every stored session.
func (s *SessionStore) AllSessionIDs(ctx context.Context) ([]types.SessionID, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]types.SessionID, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	return ids, nil
}

// Touch records activity on the session. Timestamps older than the stored
// one are ignored.
func (s *SessionStore) Touch(_ context.Context, id types.SessionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	sess, ok := index[id]
	if !ok {
		return fmt.Errorf("touch session %s: %w", id, types.ErrNotFound)
	}
	if !at.After(sess.LastEventTimestamp) {
		return nil
	}
	sess.LastEventTimestamp = at
	sess.UpdatedAt = time.Now()

	return s.saveIndex(index)
}

// Remove deletes the session and its directory, then notifies removal
// listeners.
func (s *SessionStore) Remove(_ context.Context, id types.SessionID) error {
	s.mu.Lock()
	index, err := s.loadIndex()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := index[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove session %s: %w", id, types.ErrNotFound)
	}
	delete(index, id)
	if err := s.saveIndex(index); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("remove session dir: %w", err)
	}
	s.mu.Unlock()

	s.listenersMu.RLock()
	listeners := append(([]func(types.SessionID))(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
	return nil
}

// OnSessionRemoved registers fn to run after each successful Remove.
func (s *SessionStore) OnSessionRemoved(fn func(types.SessionID)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}
