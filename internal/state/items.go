package state

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/user/gopherline/internal/types"
)

const DefaultPageSize = 50

var ErrInvalidPageToken = errors.New("invalid page token")

// record is one line of items.jsonl. Exactly one field is set.
type record struct {
	Item    *types.TimelineItem `json:"item,omitempty"`
	Deleted types.ItemID        `json:"deleted,omitempty"`
}

// ItemStore is a JSONL-backed timeline history. Items are appended per
// session to sessions/<sessionID>/items.jsonl; the latest line for an id
// wins. It serves as the paged history read behind each session timeline.
type ItemStore struct {
	root     string
	pageSize int
	mu       sync.Mutex
	locks    map[types.SessionID]*sync.Mutex
}

// NewItemStore creates a store rooted at root. pageSize <= 0 uses
// DefaultPageSize.
func NewItemStore(root string, pageSize int) *ItemStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &ItemStore{
		root:     root,
		pageSize: pageSize,
		locks:    make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (s *ItemStore) getLock(sessionID types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

func (s *ItemStore) itemsPath(sessionID types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(sessionID), "items.jsonl")
}

// Append records the item's current value. The session must exist; items for
// a removed session fail with types.ErrNotFound.
func (s *ItemStore) Append(_ context.Context, item types.TimelineItem) error {
	if !item.Valid() {
		return fmt.Errorf("append item: invalid %q item", item.Kind)
	}
	sid := item.Session()
	if sid == "" {
		return fmt.Errorf("append item %s: missing session id", item.ID())
	}
	return s.write(sid, record{Item: &item})
}

// Remove records deletions so that removed ids stay gone on later reads.
func (s *ItemStore) Remove(_ context.Context, sessionID types.SessionID, ids []types.ItemID) error {
	recs := make([]record, len(ids))
	for i, id := range ids {
		recs[i] = record{Deleted: id}
	}
	return s.write(sessionID, recs...)
}

func (s *ItemStore) write(sessionID types.SessionID, recs ...record) error {
	if len(recs) == 0 {
		return nil
	}
	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// The session directory belongs to SessionStore; a missing one means the
	// session was never created or has been removed.
	path := s.itemsPath(sessionID)

	var buf []byte
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal item record: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("write items for session %s: %w", sessionID, types.ErrNotFound)
		}
		return fmt.Errorf("open items file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("write items: %w", err)
	}
	return nil
}

// load compacts the session's log into its current items, ordered by
// timestamp then id. Caller must hold the session lock.
func (s *ItemStore) load(sessionID types.SessionID) ([]types.TimelineItem, error) {
	f, err := os.Open(s.itemsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open items file: %w", err)
	}
	defer f.Close()

	current := make(map[types.ItemID]types.TimelineItem)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal item record: %w", err)
		}
		switch {
		case rec.Deleted != "":
			delete(current, rec.Deleted)
		case rec.Item != nil && rec.Item.Valid():
			current[rec.Item.ID()] = *rec.Item
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan items file: %w", err)
	}

	items := make([]types.TimelineItem, 0, len(current))
	for _, it := range current {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		ti, tj := items[i].Timestamp(), items[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return items[i].ID() < items[j].ID()
	})
	return items, nil
}

// Fetch returns one page of history. The first page holds the newest items;
// NextPageToken walks back towards older ones. Items within a page are in
// chronological order.
func (s *ItemStore) Fetch(_ context.Context, sessionID types.SessionID, pageToken string) (types.TimelinePage, error) {
	skip, err := decodeOffset(pageToken)
	if err != nil {
		return types.TimelinePage{}, err
	}

	lock := s.getLock(sessionID)
	lock.Lock()
	items, err := s.load(sessionID)
	lock.Unlock()
	if err != nil {
		return types.TimelinePage{}, err
	}

	page := types.TimelinePage{TotalCount: len(items), Items: []types.TimelineItem{}}
	end := len(items) - skip
	if end <= 0 {
		return page, nil
	}
	start := max(end-s.pageSize, 0)
	page.Items = items[start:end]
	if start > 0 {
		page.NextPageToken = encodeOffset(skip + (end - start))
	}
	return page, nil
}

// Count returns the number of live items for the session.
func (s *ItemStore) Count(_ context.Context, sessionID types.SessionID) (int, error) {
	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	items, err := s.load(sessionID)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func encodeOffset(n int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("skip:" + strconv.Itoa(n)))
}

func decodeOffset(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("decode page token: %w", ErrInvalidPageToken)
	}
	s, ok := strings.CutPrefix(string(raw), "skip:")
	if !ok {
		return 0, fmt.Errorf("decode page token %q: %w", token, ErrInvalidPageToken)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("decode page token %q: %w", token, ErrInvalidPageToken)
	}
	return n, nil
}
