package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/types"
)

// Fold translates an annotated domain event into timeline operations, applies
// them and returns the items that changed. Writes for truncated ids are
// dropped silently; they are stale by definition.
func (e *Engine) Fold(ctx context.Context, ev events.Event) ([]types.TimelineItem, error) {
	ops, err := e.opsFor(ctx, ev)
	if err != nil {
		return nil, err
	}

	var changed []types.TimelineItem
	for _, op := range ops {
		if op.Kind == OpReset {
			if err := e.Reset(ctx); err != nil {
				return changed, err
			}
			continue
		}
		ok, err := e.Apply(ctx, op)
		switch {
		case errors.Is(err, ErrTruncated):
			e.logger.Debug("ignoring write for truncated item", "event", ev.Kind(), "item", op.Item.ID())
			continue
		case err != nil:
			return changed, fmt.Errorf("fold %s: %w", ev.Kind(), err)
		}
		if ok {
			changed = append(changed, op.Item)
		}
	}
	return changed, nil
}

func (e *Engine) opsFor(ctx context.Context, ev events.Event) ([]Op, error) {
	at := ev.At()

	switch v := ev.(type) {
	case events.ProcessingStarted, events.ProcessingCompleted:
		return nil, nil

	case events.SessionReset:
		return []Op{ResetOp()}, nil

	case events.MessageCreated:
		if v.Message == nil {
			return nil, fmt.Errorf("fold %s: missing message", ev.Kind())
		}
		m, err := e.stampMessage(v.Message, at)
		if err != nil {
			return nil, fmt.Errorf("fold %s: %w", ev.Kind(), err)
		}
		return []Op{CreateOp(types.NewMessageItem(m))}, nil

	case events.MessageUpdated:
		if v.Message == nil {
			return nil, fmt.Errorf("fold %s: missing message", ev.Kind())
		}
		m, err := e.stampMessage(v.Message, at)
		if err != nil {
			return nil, fmt.Errorf("fold %s: %w", ev.Kind(), err)
		}
		return []Op{UpdateOp(types.NewMessageItem(m))}, nil

	case events.ToolExecutionStarted:
		if v.Execution == nil {
			return nil, fmt.Errorf("fold %s: missing execution", ev.Kind())
		}
		x, err := e.stampExecution(v.Execution, at)
		if err != nil {
			return nil, fmt.Errorf("fold %s: %w", ev.Kind(), err)
		}
		return []Op{CreateOp(types.NewExecutionItem(x))}, nil

	case events.ToolExecutionUpdated:
		if v.Execution == nil {
			return nil, fmt.Errorf("fold %s: missing execution", ev.Kind())
		}
		x, err := e.stampExecution(v.Execution, at)
		if err != nil {
			return nil, fmt.Errorf("fold %s: %w", ev.Kind(), err)
		}
		e.attachPreview(ctx, x)
		return []Op{UpdateOp(types.NewExecutionItem(x))}, nil

	case events.PermissionRequested:
		perm := v.PermissionRequest
		if perm == nil {
			perm = v.Permission
		}
		return e.permissionOps(v.Execution, perm, at, false)

	case events.PermissionResolved:
		perm := v.Permission
		if perm == nil {
			perm = v.PermissionRequest
		}
		return e.permissionOps(v.Execution, perm, at, true)

	case events.ProcessingError:
		if at.IsZero() {
			return nil, fmt.Errorf("fold %s: %w", ev.Kind(), ErrMissingTimestamp)
		}
		return []Op{CreateOp(types.NewMessageItem(e.errorMessage(v, at)))}, nil

	case events.ProcessingAborted:
		if at.IsZero() {
			return nil, fmt.Errorf("fold %s: %w", ev.Kind(), ErrMissingTimestamp)
		}
		return e.abortOps(at), nil
	}
	return nil, fmt.Errorf("fold: unsupported event %s", ev.Kind())
}

// stampMessage fills the session and timestamp. A message without its own
// time takes the event's, then the stored copy's.
func (e *Engine) stampMessage(m *types.Message, at time.Time) (*types.Message, error) {
	cp := *m
	if cp.SessionID == "" {
		cp.SessionID = e.sessionID
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = at
	}
	if cp.Timestamp.IsZero() {
		if prev, ok := e.Get(cp.ID); ok && prev.Kind == types.KindMessage {
			cp.Timestamp = prev.Message.Timestamp
		}
	}
	if cp.Timestamp.IsZero() {
		return nil, ErrMissingTimestamp
	}
	return &cp, nil
}

func (e *Engine) stampExecution(x *types.ToolExecution, at time.Time) (*types.ToolExecution, error) {
	cp := *x
	if cp.SessionID == "" {
		cp.SessionID = e.sessionID
	}
	if cp.StartTime.IsZero() {
		if prev, ok := e.Get(cp.ID); ok && prev.Kind == types.KindToolExecution {
			cp.StartTime = prev.ToolExecution.StartTime
		} else {
			cp.StartTime = at
		}
	}
	if cp.StartTime.IsZero() {
		return nil, ErrMissingTimestamp
	}
	return &cp, nil
}

// attachPreview generates a preview for a finished execution that has none.
func (e *Engine) attachPreview(ctx context.Context, x *types.ToolExecution) {
	if e.opts.Previewer == nil || x.Preview != nil || !x.Status.IsTerminal() {
		return
	}
	if x.Result == nil && x.Error == nil {
		return
	}
	x.Preview = e.opts.Previewer.Preview(ctx, x)
}

// permissionOps upserts the permission item and, when the event carries the
// execution, the execution with its permission id set.
func (e *Engine) permissionOps(exec *types.ToolExecution, perm *types.PermissionRequest, at time.Time, resolved bool) ([]Op, error) {
	if perm == nil || perm.ID == "" {
		return nil, fmt.Errorf("fold permission: missing permission payload")
	}
	p := *perm
	if p.SessionID == "" {
		p.SessionID = e.sessionID
	}
	if prev, ok := e.Get(p.ID); ok && prev.Kind == types.KindPermissionRequest {
		old := prev.PermissionRequest
		if p.RequestedAt.IsZero() {
			p.RequestedAt = old.RequestedAt
		}
		if p.Args == nil {
			p.Args = old.Args
		}
		if p.ToolID == "" {
			p.ToolID = old.ToolID
		}
	}
	if p.RequestedAt.IsZero() {
		p.RequestedAt = at
	}
	if resolved && p.ResolvedAt == nil && !at.IsZero() {
		ts := at
		p.ResolvedAt = &ts
	}
	if p.RequestedAt.IsZero() || (resolved && p.ResolvedAt == nil) {
		return nil, fmt.Errorf("fold permission %s: %w", p.ID, ErrMissingTimestamp)
	}

	if p.ExecutionID == "" && exec != nil {
		p.ExecutionID = exec.ID
	}

	ops := []Op{UpdateOp(types.NewPermissionItem(&p))}
	if exec != nil && exec.ID != "" {
		// The stored execution is more complete than the one carried by a
		// permission event, which may hold little more than the id.
		var x *types.ToolExecution
		if stored, ok := e.rawItem(exec.ID); ok && stored.Kind == types.KindToolExecution {
			x = stored.ToolExecution
		} else {
			start := at
			if start.IsZero() {
				start = p.RequestedAt
			}
			stamped, err := e.stampExecution(exec, start)
			if err != nil {
				return nil, fmt.Errorf("fold permission %s: %w", p.ID, err)
			}
			x = stamped
		}
		if x.PermissionID == "" {
			x.PermissionID = p.ID
		}
		if !resolved && !x.Status.IsTerminal() {
			x.Status = types.ExecAwaitingPermission
		}
		ops = append(ops, UpdateOp(types.NewExecutionItem(x)))
	}
	return ops, nil
}

// errorMessage renders a processing error as a role=error message. Events
// without an id get one derived from their content so replays collapse.
func (e *Engine) errorMessage(v events.ProcessingError, at time.Time) *types.Message {
	text := "processing failed"
	if v.Error != nil && v.Error.Message != "" {
		text = v.Error.Message
	}
	id := v.ID
	if id == "" {
		id = types.DeriveItemID("error", string(e.sessionID), at.UTC().Format(time.RFC3339Nano), text)
	}
	return &types.Message{
		ID:        id,
		SessionID: e.sessionID,
		Role:      types.RoleError,
		Content:   []types.ContentPart{{Type: types.ContentText, Text: text}},
		Timestamp: at,
	}
}

// abortOps marks every unfinished execution as aborted.
func (e *Engine) abortOps(at time.Time) []Op {
	e.mu.RLock()
	var pending []*types.ToolExecution
	for _, ent := range e.st.merged() {
		if ent.item.Kind == types.KindToolExecution && !ent.item.ToolExecution.Status.IsTerminal() {
			pending = append(pending, ent.item.Clone().ToolExecution)
		}
	}
	e.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	ops := make([]Op, 0, len(pending))
	for _, x := range pending {
		x.Status = types.ExecAborted
		end := at
		x.EndTime = &end
		if !x.StartTime.IsZero() {
			x.ExecutionTimeMs = at.Sub(x.StartTime).Milliseconds()
		}
		ops = append(ops, UpdateOp(types.NewExecutionItem(x)))
	}
	return ops
}

// rawItem returns a copy of the stored item without linking applied.
func (e *Engine) rawItem(id types.ItemID) (types.TimelineItem, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.st.lookup(id)
	if !ok {
		return types.TimelineItem{}, false
	}
	return ent.item.Clone(), true
}
