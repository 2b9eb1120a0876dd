// Package timeline reconciles a session's paged history with its live event
// stream into one ordered, de-duplicated and linked sequence of items.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/gopherline/internal/types"
)

const (
	DefaultDedupWindow = 5 * time.Second
	DefaultTurnWindow  = 5 * time.Second
)

var tracer = otel.Tracer("github.com/user/gopherline/internal/timeline")

// Previewer attaches previews to finished tool executions.
type Previewer interface {
	Preview(ctx context.Context, exec *types.ToolExecution) *types.Preview
}

type Options struct {
	// DedupWindow is the bucket width used to match an optimistic user
	// message with its confirmed copy.
	DedupWindow time.Duration
	// TurnWindow bounds how far apart items of one conversational turn may be.
	TurnWindow time.Duration
	Previewer  Previewer
	Logger     *slog.Logger
}

// OpKind is the kind of an incremental timeline operation.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpReset
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpReset:
		return "reset"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is one incremental change. Create is ignored for known ids; Update is
// the new authoritative value for its id.
type Op struct {
	Kind OpKind
	Item types.TimelineItem
}

func CreateOp(item types.TimelineItem) Op { return Op{Kind: OpCreate, Item: item} }
func UpdateOp(item types.TimelineItem) Op { return Op{Kind: OpUpdate, Item: item} }
func ResetOp() Op                         { return Op{Kind: OpReset} }

type entry struct {
	item types.TimelineItem
	// seq is the arrival order of the id; later arrivals win dedup ties.
	seq uint64
}

// layers is swapped as a whole on reset so readers never see a half-reset
// timeline.
type layers struct {
	base       map[types.ItemID]entry
	live       map[types.ItemID]entry
	tombstones map[types.ItemID]struct{}
	// cutoff is the earliest truncation point applied to these layers.
	cutoff time.Time

	historyToken  string
	historyTotal  int
	historyLoaded bool

	view *view
}

func newLayers() *layers {
	st := &layers{
		base:       make(map[types.ItemID]entry),
		live:       make(map[types.ItemID]entry),
		tombstones: make(map[types.ItemID]struct{}),
	}
	st.view = &view{}
	return st
}

func (st *layers) lookup(id types.ItemID) (entry, bool) {
	if e, ok := st.live[id]; ok {
		return e, true
	}
	e, ok := st.base[id]
	return e, ok
}

func (st *layers) merged() map[types.ItemID]entry {
	out := make(map[types.ItemID]entry, len(st.base)+len(st.live))
	for id, e := range st.base {
		out[id] = e
	}
	for id, e := range st.live {
		out[id] = e
	}
	return out
}

// Engine owns one session's timeline. Writes are expected from a single
// delivery goroutine; reads are safe from any goroutine.
type Engine struct {
	sessionID types.SessionID
	fetcher   types.HistoryFetcher
	opts      Options
	logger    *slog.Logger

	mu          sync.RWMutex
	st          *layers
	seq         uint64
	generation  uint64
	truncations uint64
	inflight    map[uint64]context.CancelFunc
	nextFetch   uint64
	closed      bool
}

// New creates an empty engine. Call LoadPage or Reset to populate history.
func New(sessionID types.SessionID, fetcher types.HistoryFetcher, opts Options) *Engine {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.TurnWindow <= 0 {
		opts.TurnWindow = DefaultTurnWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessionID: sessionID,
		fetcher:   fetcher,
		opts:      opts,
		logger:    logger.With("session", string(sessionID)),
		st:        newLayers(),
		inflight:  make(map[uint64]context.CancelFunc),
	}
}

func (e *Engine) SessionID() types.SessionID { return e.sessionID }

// Apply applies one incremental operation and reports whether the timeline
// changed. Replaying an operation is a no-op.
func (e *Engine) Apply(ctx context.Context, op Op) (bool, error) {
	switch op.Kind {
	case OpReset:
		return true, e.Reset(ctx)
	case OpCreate, OpUpdate:
	default:
		return false, fmt.Errorf("apply %s: unknown operation", op.Kind)
	}
	if err := e.check(op.Item); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}
	changed, err := e.applyLocked(op)
	if changed {
		e.rebuildLocked()
	}
	return changed, err
}

func (e *Engine) check(item types.TimelineItem) error {
	if !item.Valid() || item.ID() == "" {
		return fmt.Errorf("apply %s item: %w", item.Kind, ErrInvalidItem)
	}
	if sid := item.Session(); sid != "" && sid != e.sessionID {
		return fmt.Errorf("apply item %s from session %s: %w", item.ID(), sid, ErrWrongSession)
	}
	return nil
}

func (e *Engine) applyLocked(op Op) (bool, error) {
	id := op.Item.ID()
	if _, dead := e.st.tombstones[id]; dead {
		return false, fmt.Errorf("%s item %s: %w", op.Kind, id, ErrTruncated)
	}
	incoming := op.Item.Clone()
	cur, exists := e.st.lookup(id)

	switch op.Kind {
	case OpCreate:
		if exists {
			return false, nil
		}
		e.seq++
		e.st.live[id] = entry{item: incoming, seq: e.seq}
	case OpUpdate:
		if exists && reflect.DeepEqual(cur.item, incoming) {
			return false, nil
		}
		seq := cur.seq
		if !exists {
			e.seq++
			seq = e.seq
		}
		e.st.live[id] = entry{item: incoming, seq: seq}
	}
	return true, nil
}

// LoadPage fetches one history page and merges it into the base layer. The
// fetch runs without holding the engine lock and is cancelled by Reset and
// Close. On failure a *FetchError is returned and state is left as it was.
func (e *Engine) LoadPage(ctx context.Context, pageToken string) (types.TimelinePage, error) {
	ctx, span := tracer.Start(ctx, "timeline.fetch", trace.WithAttributes(
		attribute.String("session.id", string(e.sessionID)),
		attribute.String("page.token", pageToken),
	))
	defer span.End()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return types.TimelinePage{}, &FetchError{SessionID: e.sessionID, PageToken: pageToken, Err: ErrClosed}
	}
	gen, truncs := e.generation, e.truncations
	fetchCtx, cancel := context.WithCancel(ctx)
	e.nextFetch++
	fid := e.nextFetch
	e.inflight[fid] = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.inflight, fid)
		e.mu.Unlock()
	}()

	page, err := e.fetcher.Fetch(fetchCtx, e.sessionID, pageToken)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		err = ErrClosed
	case e.generation != gen:
		err = ErrSuperseded
	}
	if err != nil {
		ferr := &FetchError{SessionID: e.sessionID, PageToken: pageToken, Err: err}
		span.RecordError(ferr)
		span.SetStatus(codes.Error, "fetch failed")
		e.logger.Warn("history fetch failed", "page_token", pageToken, "retryable", ferr.Retryable(), "error", err)
		return types.TimelinePage{}, ferr
	}

	merged := e.mergeLocked(page, e.truncations != truncs)
	e.st.historyToken = page.NextPageToken
	e.st.historyTotal = page.TotalCount
	e.st.historyLoaded = true
	e.rebuildLocked()

	span.SetAttributes(attribute.Int("page.items", len(page.Items)), attribute.Int("page.merged", merged))
	e.logger.Debug("history page merged", "page_token", pageToken, "items", len(page.Items), "merged", merged)
	return page, nil
}

// mergeLocked upserts fetched items into the base layer. When a truncation
// ran during the fetch, items at or after the cutoff are stale and skipped.
func (e *Engine) mergeLocked(page types.TimelinePage, truncatedDuringFetch bool) int {
	merged := 0
	for _, it := range page.Items {
		if err := e.check(it); err != nil {
			e.logger.Warn("skipping fetched item", "error", err)
			continue
		}
		id := it.ID()
		if _, dead := e.st.tombstones[id]; dead {
			continue
		}
		if truncatedDuringFetch && !it.Timestamp().Before(e.st.cutoff) {
			continue
		}
		var seq uint64
		if prev, ok := e.st.lookup(id); ok {
			seq = prev.seq
		} else {
			e.seq++
			seq = e.seq
		}
		e.st.base[id] = entry{item: it.Clone(), seq: seq}
		merged++
	}
	return merged
}

// Reset discards both layers in one swap, abandons in-flight fetches and
// fetches the first page again.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.generation++
	e.cancelInflightLocked()
	e.st = newLayers()
	e.mu.Unlock()

	e.logger.Info("timeline reset")
	if _, err := e.LoadPage(ctx, ""); err != nil {
		return fmt.Errorf("reload after reset: %w", err)
	}
	return nil
}

// TruncateAt removes the item and every item timestamped at or after it from
// both layers. Removed ids are tombstoned so late updates cannot revive them.
func (e *Engine) TruncateAt(id types.ItemID) ([]types.ItemID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	target, ok := e.st.lookup(id)
	if !ok {
		return nil, fmt.Errorf("truncate at %s: %w", id, types.ErrNotFound)
	}
	cutoff := target.item.Timestamp()

	var removed []types.ItemID
	for itemID, ent := range e.st.merged() {
		if itemID != id && ent.item.Timestamp().Before(cutoff) {
			continue
		}
		delete(e.st.base, itemID)
		delete(e.st.live, itemID)
		e.st.tombstones[itemID] = struct{}{}
		removed = append(removed, itemID)
	}
	if e.st.cutoff.IsZero() || cutoff.Before(e.st.cutoff) {
		e.st.cutoff = cutoff
	}
	e.truncations++
	e.rebuildLocked()

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	e.logger.Info("timeline truncated", "item", id, "removed", len(removed))
	return removed, nil
}

// Close abandons in-flight fetches and rejects further writes.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.generation++
	e.cancelInflightLocked()
}

func (e *Engine) cancelInflightLocked() {
	for id, cancel := range e.inflight {
		cancel()
		delete(e.inflight, id)
	}
}

func (e *Engine) rebuildLocked() {
	e.st.view = materialize(e.st.merged(), e.opts)
}

// Items returns the stored timeline in display order, before suppression.
func (e *Engine) Items() []types.TimelineItem {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneItems(e.st.view.items)
}

// Visible returns the timeline as exposed to consumers.
func (e *Engine) Visible() []types.TimelineItem {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneItems(e.st.view.visible)
}

// Get returns the linked form of an item. Ids of dropped duplicates resolve
// to the surviving message.
func (e *Engine) Get(id types.ItemID) (types.TimelineItem, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id = e.st.view.resolve(id)
	for _, it := range e.st.view.items {
		if it.ID() == id {
			return it.Clone(), true
		}
	}
	return types.TimelineItem{}, false
}

// Len is the number of stored items after de-duplication.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.st.view.items)
}

// History reports the token for the next older page and whether any page has
// been loaded since the last reset.
func (e *Engine) History() (nextPageToken string, loaded bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.historyToken, e.st.historyLoaded
}

func cloneItems(items []types.TimelineItem) []types.TimelineItem {
	out := make([]types.TimelineItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
