package timeline

import (
	"crypto/sha256"
	"encoding/json"
	"sort"
	"time"

	"github.com/user/gopherline/internal/types"
)

// view is the materialized form of the merged layers.
type view struct {
	items   []types.TimelineItem
	visible []types.TimelineItem
	// aliases maps dropped duplicate message ids to the surviving id.
	aliases map[types.ItemID]types.ItemID
}

func (v *view) resolve(id types.ItemID) types.ItemID {
	for i := 0; i < len(v.aliases); i++ {
		next, ok := v.aliases[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

func materialize(entries map[types.ItemID]entry, opts Options) *view {
	kept, aliases := dedup(entries, opts.DedupWindow)
	v := &view{aliases: aliases}
	items := link(kept, v.resolve)
	v.items = order(items, opts.TurnWindow)
	v.visible = suppress(v.items)
	return v
}

type dedupKey struct {
	hash   [sha256.Size]byte
	bucket int64
}

// dedup collapses user messages with byte-equal content whose timestamps fall
// in the same window bucket. A confirmed message beats an optimistic one;
// otherwise the later arrival wins. Messages without a match are never
// dropped.
func dedup(entries map[types.ItemID]entry, window time.Duration) ([]entry, map[types.ItemID]types.ItemID) {
	ordered := make([]entry, 0, len(entries))
	for _, e := range entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	aliases := make(map[types.ItemID]types.ItemID)
	winners := make(map[dedupKey]entry)
	dropped := make(map[types.ItemID]bool)
	for _, e := range ordered {
		if !e.item.IsRole(types.RoleUser) {
			continue
		}
		key, ok := dedupKeyFor(e.item.Message, window)
		if !ok {
			continue
		}
		prev, seen := winners[key]
		if !seen {
			winners[key] = e
			continue
		}
		if prefer(e, prev) {
			winners[key] = e
			aliases[prev.item.ID()] = e.item.ID()
			dropped[prev.item.ID()] = true
		} else {
			aliases[e.item.ID()] = prev.item.ID()
			dropped[e.item.ID()] = true
		}
	}

	kept := make([]entry, 0, len(ordered)-len(dropped))
	for _, e := range ordered {
		if !dropped[e.item.ID()] {
			kept = append(kept, e)
		}
	}
	return kept, aliases
}

func dedupKeyFor(m *types.Message, window time.Duration) (dedupKey, bool) {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return dedupKey{}, false
	}
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = DefaultDedupWindow.Milliseconds()
	}
	return dedupKey{
		hash:   sha256.Sum256(content),
		bucket: floorDiv(m.Timestamp.UnixMilli(), ms),
	}, true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// prefer reports whether candidate should replace current as the surviving
// copy of a duplicated user message.
func prefer(candidate, current entry) bool {
	c, cur := candidate.item.Message, current.item.Message
	if c.Optimistic != cur.Optimistic {
		return !c.Optimistic
	}
	return candidate.seq > current.seq
}

// link returns copies of the kept items with execution parents and
// permission ids resolved. Stored items are not modified.
func link(kept []entry, resolve func(types.ItemID) types.ItemID) []types.TimelineItem {
	messages := make(map[types.ItemID]*types.Message)
	executions := make(map[types.ItemID]*types.ToolExecution)
	items := make([]types.TimelineItem, 0, len(kept))

	for _, e := range kept {
		it := e.item
		switch it.Kind {
		case types.KindMessage:
			messages[it.Message.ID] = it.Message
		case types.KindToolExecution:
			x := *it.ToolExecution
			it.ToolExecution = &x
			executions[x.ID] = &x
		}
		items = append(items, it)
	}

	declared := declaringMessages(messages)
	for _, x := range executions {
		var parent types.ItemID
		if x.ParentMessageID != "" {
			if id := resolve(x.ParentMessageID); messages[id] != nil {
				parent = id
			}
		}
		if parent == "" {
			parent = declared[x.ID]
		}
		x.ParentMessageID = parent
	}

	for _, it := range items {
		if it.Kind != types.KindPermissionRequest {
			continue
		}
		p := it.PermissionRequest
		if x, ok := executions[p.ExecutionID]; ok && x.PermissionID == "" {
			x.PermissionID = p.ID
		}
	}
	return items
}

// declaringMessages maps each execution id to the earliest message that
// declares a call to it.
func declaringMessages(messages map[types.ItemID]*types.Message) map[types.ItemID]types.ItemID {
	ordered := make([]*types.Message, 0, len(messages))
	for _, m := range messages {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	declared := make(map[types.ItemID]types.ItemID)
	claim := func(execID, msgID types.ItemID) {
		if _, ok := declared[execID]; !ok && execID != "" {
			declared[execID] = msgID
		}
	}
	for _, m := range ordered {
		for _, ref := range m.ToolCallRefs {
			claim(ref, m.ID)
		}
		for _, part := range m.Content {
			if part.Type == types.ContentToolUse {
				claim(part.ToolUseID, m.ID)
			}
		}
	}
	return declared
}

// order sorts by timestamp and then, within each conversational turn, puts
// the user message first and assistant messages last. A turn starts at each
// user message or once TurnWindow has passed since the turn's first item.
func order(items []types.TimelineItem, turnWindow time.Duration) []types.TimelineItem {
	sorted := append([]types.TimelineItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := sorted[i].Timestamp(), sorted[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if ri, rj := turnRank(sorted[i]), turnRank(sorted[j]); ri != rj {
			return ri < rj
		}
		return sorted[i].ID() < sorted[j].ID()
	})

	out := make([]types.TimelineItem, 0, len(sorted))
	var group []types.TimelineItem
	var start time.Time
	flush := func() {
		sort.SliceStable(group, func(i, j int) bool { return turnRank(group[i]) < turnRank(group[j]) })
		out = append(out, group...)
		group = nil
	}
	for _, it := range sorted {
		if len(group) > 0 && (it.IsRole(types.RoleUser) || it.Timestamp().Sub(start) > turnWindow) {
			flush()
		}
		if len(group) == 0 {
			start = it.Timestamp()
		}
		group = append(group, it)
	}
	flush()
	return out
}

func turnRank(it types.TimelineItem) int {
	switch {
	case it.IsRole(types.RoleUser):
		return 0
	case it.IsRole(types.RoleAssistant):
		return 2
	}
	return 1
}

// suppress hides assistant messages that have no content of their own and
// only reference executions already present. If any reference is unresolved
// the message stays visible.
func suppress(items []types.TimelineItem) []types.TimelineItem {
	present := make(map[types.ItemID]bool)
	for _, it := range items {
		if it.Kind == types.KindToolExecution {
			present[it.ToolExecution.ID] = true
		}
	}

	visible := make([]types.TimelineItem, 0, len(items))
	for _, it := range items {
		if isContainer(it, present) {
			continue
		}
		visible = append(visible, it)
	}
	return visible
}

func isContainer(it types.TimelineItem, present map[types.ItemID]bool) bool {
	if !it.IsRole(types.RoleAssistant) {
		return false
	}
	m := it.Message
	if len(m.Content) > 0 || len(m.ToolCallRefs) == 0 {
		return false
	}
	for _, ref := range m.ToolCallRefs {
		if !present[ref] {
			return false
		}
	}
	return true
}
