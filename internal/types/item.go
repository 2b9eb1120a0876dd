package types

import (
	"time"
)

// ItemKind tags the variant held by a TimelineItem.
type ItemKind string

const (
	KindMessage           ItemKind = "message"
	KindToolExecution     ItemKind = "tool_execution"
	KindPermissionRequest ItemKind = "permission_request"
)

// TimelineItem is a tagged union: exactly one of the variant pointers is set
// and Kind names it.
type TimelineItem struct {
	Kind              ItemKind           `json:"type"`
	Message           *Message           `json:"message,omitempty"`
	ToolExecution     *ToolExecution     `json:"toolExecution,omitempty"`
	PermissionRequest *PermissionRequest `json:"permissionRequest,omitempty"`
}

func NewMessageItem(m *Message) TimelineItem {
	return TimelineItem{Kind: KindMessage, Message: m}
}

func NewExecutionItem(e *ToolExecution) TimelineItem {
	return TimelineItem{Kind: KindToolExecution, ToolExecution: e}
}

func NewPermissionItem(p *PermissionRequest) TimelineItem {
	return TimelineItem{Kind: KindPermissionRequest, PermissionRequest: p}
}

// Valid reports whether Kind matches the populated variant.
func (it TimelineItem) Valid() bool {
	switch it.Kind {
	case KindMessage:
		return it.Message != nil && it.ToolExecution == nil && it.PermissionRequest == nil
	case KindToolExecution:
		return it.ToolExecution != nil && it.Message == nil && it.PermissionRequest == nil
	case KindPermissionRequest:
		return it.PermissionRequest != nil && it.Message == nil && it.ToolExecution == nil
	}
	return false
}

// ID returns the variant's id, or "" when the populated variant does not
// match Kind.
func (it TimelineItem) ID() ItemID {
	switch {
	case it.Kind == KindMessage && it.Message != nil:
		return it.Message.ID
	case it.Kind == KindToolExecution && it.ToolExecution != nil:
		return it.ToolExecution.ID
	case it.Kind == KindPermissionRequest && it.PermissionRequest != nil:
		return it.PermissionRequest.ID
	}
	return ""
}

// Timestamp is the instant the item is ordered by: message time, execution
// start time, or permission request time.
func (it TimelineItem) Timestamp() time.Time {
	switch {
	case it.Kind == KindMessage && it.Message != nil:
		return it.Message.Timestamp
	case it.Kind == KindToolExecution && it.ToolExecution != nil:
		return it.ToolExecution.StartTime
	case it.Kind == KindPermissionRequest && it.PermissionRequest != nil:
		return it.PermissionRequest.RequestedAt
	}
	return time.Time{}
}

func (it TimelineItem) Session() SessionID {
	switch {
	case it.Kind == KindMessage && it.Message != nil:
		return it.Message.SessionID
	case it.Kind == KindToolExecution && it.ToolExecution != nil:
		return it.ToolExecution.SessionID
	case it.Kind == KindPermissionRequest && it.PermissionRequest != nil:
		return it.PermissionRequest.SessionID
	}
	return ""
}

// IsRole reports whether the item is a message with the given role.
func (it TimelineItem) IsRole(role Role) bool {
	return it.Kind == KindMessage && it.Message != nil && it.Message.Role == role
}

// Clone returns a deep copy so that callers can hand items across goroutines
// without sharing maps or slices.
func (it TimelineItem) Clone() TimelineItem {
	out := TimelineItem{Kind: it.Kind}
	if it.Message != nil {
		m := *it.Message
		m.Content = append([]ContentPart(nil), it.Message.Content...)
		m.ToolCallRefs = append([]ItemID(nil), it.Message.ToolCallRefs...)
		out.Message = &m
	}
	if it.ToolExecution != nil {
		e := *it.ToolExecution
		e.Args = cloneMap(it.ToolExecution.Args)
		e.Result = DeepCopyValue(it.ToolExecution.Result)
		if it.ToolExecution.Error != nil {
			errCopy := *it.ToolExecution.Error
			e.Error = &errCopy
		}
		if it.ToolExecution.EndTime != nil {
			end := *it.ToolExecution.EndTime
			e.EndTime = &end
		}
		// Previews are immutable; sharing the pointer is safe.
		out.ToolExecution = &e
	}
	if it.PermissionRequest != nil {
		p := *it.PermissionRequest
		p.Args = cloneMap(it.PermissionRequest.Args)
		if it.PermissionRequest.ResolvedAt != nil {
			at := *it.PermissionRequest.ResolvedAt
			p.ResolvedAt = &at
		}
		if it.PermissionRequest.Granted != nil {
			g := *it.PermissionRequest.Granted
			p.Granted = &g
		}
		out.PermissionRequest = &p
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopyValue(v)
	}
	return cp
}

// DeepCopyValue clones the mutable container types that JSON decoding
// produces (map[string]any, []any). Scalars are returned as-is.
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, v := range val {
			cp[i] = DeepCopyValue(v)
		}
		return cp
	default:
		return v
	}
}
