// internal/state/event.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/types"
)

// JournalEntry is one recorded domain event.
type JournalEntry struct {
	Seq        int64           `json:"seq"`
	Kind       events.Kind     `json:"kind"`
	RecordedAt time.Time       `json:"recorded_at"`
	Event      json.RawMessage `json:"event"`
}

// Decode returns the recorded event.
func (e *JournalEntry) Decode() (events.Event, error) {
	return events.Decode(e.Event)
}

// EventLog is a JSONL-backed append-only journal of the domain events each
// session has seen. Events are stored per-session in
// sessions/<sessionID>/events.jsonl.
type EventLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	seqs  map[types.SessionID]int64
}

// NewEventLog creates a new file-backed EventLog rooted at the given directory.
func NewEventLog(root string) *EventLog {
	return &EventLog{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
		seqs:  make(map[types.SessionID]int64),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (e *EventLog) getLock(sessionID types.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[sessionID] = lock
	return lock
}

func (e *EventLog) eventsPath(sessionID types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(sessionID), "events.jsonl")
}

// count reads the event file and counts lines. Caller must hold the session lock.
func (e *EventLog) count(sessionID types.SessionID) (int64, error) {
	f, err := os.Open(e.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}
	return count, nil
}

// nextSeq returns the sequence number for the next entry. The line count is
// read once per session and cached. Caller must hold the session lock.
func (e *EventLog) nextSeq(sessionID types.SessionID) (int64, error) {
	e.mu.Lock()
	seq, ok := e.seqs[sessionID]
	e.mu.Unlock()
	if !ok {
		n, err := e.count(sessionID)
		if err != nil {
			return 0, err
		}
		seq = n
	}
	seq++
	e.mu.Lock()
	e.seqs[sessionID] = seq
	e.mu.Unlock()
	return seq, nil
}

// Append journals an annotated event under its session with an
// auto-incremented sequence number.
func (e *EventLog) Append(_ context.Context, ev events.Event) (*JournalEntry, error) {
	sessionID := ev.Session()
	if sessionID == "" {
		return nil, fmt.Errorf("journal %s event: missing session id", ev.Kind())
	}
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// Ensure the session directory exists
	dir := filepath.Dir(e.eventsPath(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	body, err := events.Encode(ev)
	if err != nil {
		return nil, err
	}
	seq, err := e.nextSeq(sessionID)
	if err != nil {
		return nil, err
	}
	entry := &JournalEntry{Seq: seq, Kind: ev.Kind(), RecordedAt: time.Now(), Event: body}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal journal entry: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("write event: %w", err)
	}

	return entry, nil
}

// Tail returns the last N entries for the given session.
func (e *EventLog) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*JournalEntry, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(e.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var entries []*JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal journal entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}

	// Return last N entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	return entries, nil
}

// Count returns the number of journaled events for the given session.
func (e *EventLog) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return e.count(sessionID)
}
