// Package events defines the closed set of domain events emitted by per-session
// agent services and the per-kind annotation applied before they reach the
// shared bus.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/gopherline/internal/types"
)

// Kind identifies a domain event variant. It doubles as the subscription key
// for observers.
type Kind string

const (
	KindProcessingStarted    Kind = "processing_started"
	KindProcessingCompleted  Kind = "processing_completed"
	KindProcessingError      Kind = "processing_error"
	KindProcessingAborted    Kind = "processing_aborted"
	KindMessageCreated       Kind = "message_created"
	KindMessageUpdated       Kind = "message_updated"
	KindToolExecutionStarted Kind = "tool_execution_started"
	KindToolExecutionUpdated Kind = "tool_execution_updated"
	KindPermissionRequested  Kind = "permission_requested"
	KindPermissionResolved   Kind = "permission_resolved"
	KindSessionReset         Kind = "session_reset"

	// Emitted by the bus, never by a service.
	KindTimelineUpdated Kind = "timeline_updated"
	KindFetchFailed     Kind = "timeline_fetch_failed"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	Session() types.SessionID
	At() time.Time
	annotate(sessionID types.SessionID) Event
}

// Base carries the fields every event has on the wire.
type Base struct {
	SessionID types.SessionID `json:"sessionId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (b Base) Session() types.SessionID { return b.SessionID }
func (b Base) At() time.Time            { return b.Timestamp }

func (b Base) withSession(id types.SessionID) Base {
	if b.SessionID == "" {
		b.SessionID = id
	}
	return b
}

type ProcessingStarted struct {
	Base
}

type ProcessingCompleted struct {
	Base
}

// ProcessingError reports a failed turn. ID is optional; when absent a stable
// id is derived so replays land on the same timeline item.
type ProcessingError struct {
	Base
	ID    types.ItemID          `json:"id,omitempty"`
	Error *types.ExecutionError `json:"error"`
}

type ProcessingAborted struct {
	Base
	Reason string `json:"reason,omitempty"`
}

type MessageCreated struct {
	Base
	Message *types.Message `json:"message"`
}

type MessageUpdated struct {
	Base
	Message *types.Message `json:"message"`
}

type ToolExecutionStarted struct {
	Base
	Execution *types.ToolExecution `json:"execution"`
}

type ToolExecutionUpdated struct {
	Base
	Execution *types.ToolExecution `json:"execution"`
}

// PermissionRequested arrives from the runtime with Permission set and leaves
// annotation with PermissionRequest set instead.
type PermissionRequested struct {
	Base
	Execution         *types.ToolExecution     `json:"execution,omitempty"`
	Permission        *types.PermissionRequest `json:"permission,omitempty"`
	PermissionRequest *types.PermissionRequest `json:"permissionRequest,omitempty"`
}

type PermissionResolved struct {
	Base
	Execution         *types.ToolExecution     `json:"execution,omitempty"`
	Permission        *types.PermissionRequest `json:"permission,omitempty"`
	PermissionRequest *types.PermissionRequest `json:"permissionRequest,omitempty"`
}

type SessionReset struct {
	Base
}

func (ProcessingStarted) Kind() Kind    { return KindProcessingStarted }
func (ProcessingCompleted) Kind() Kind  { return KindProcessingCompleted }
func (ProcessingError) Kind() Kind      { return KindProcessingError }
func (ProcessingAborted) Kind() Kind    { return KindProcessingAborted }
func (MessageCreated) Kind() Kind       { return KindMessageCreated }
func (MessageUpdated) Kind() Kind       { return KindMessageUpdated }
func (ToolExecutionStarted) Kind() Kind { return KindToolExecutionStarted }
func (ToolExecutionUpdated) Kind() Kind { return KindToolExecutionUpdated }
func (PermissionRequested) Kind() Kind  { return KindPermissionRequested }
func (PermissionResolved) Kind() Kind   { return KindPermissionResolved }
func (SessionReset) Kind() Kind         { return KindSessionReset }

var knownKinds = map[Kind]bool{
	KindProcessingStarted:    true,
	KindProcessingCompleted:  true,
	KindProcessingError:      true,
	KindProcessingAborted:    true,
	KindMessageCreated:       true,
	KindMessageUpdated:       true,
	KindToolExecutionStarted: true,
	KindToolExecutionUpdated: true,
	KindPermissionRequested:  true,
	KindPermissionResolved:   true,
	KindSessionReset:         true,
	KindTimelineUpdated:      true,
	KindFetchFailed:          true,
}

// ParseKinds parses a comma-separated subscription filter. An empty string
// yields nil, which matches every kind.
func ParseKinds(s string) ([]Kind, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var kinds []Kind
	for _, part := range strings.Split(s, ",") {
		k := Kind(strings.TrimSpace(part))
		if !knownKinds[k] {
			return nil, fmt.Errorf("unknown event kind %q", part)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
