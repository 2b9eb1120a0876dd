package types

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// ContentPartType categorises a message content part.
type ContentPartType string

const (
	ContentText    ContentPartType = "text"
	ContentToolUse ContentPartType = "tool_use"
	ContentImage   ContentPartType = "image"
)

// ContentPart is one ordered element of a message body. ToolUseID is set for
// tool_use parts and names the execution the message asked for.
type ContentPart struct {
	Type      ContentPartType `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolUseID ItemID          `json:"toolUseId,omitempty"`
}

type Message struct {
	ID           ItemID        `json:"id"`
	SessionID    SessionID     `json:"sessionId,omitempty"`
	Role         Role          `json:"role"`
	Content      []ContentPart `json:"content"`
	Timestamp    time.Time     `json:"timestamp"`
	ToolCallRefs []ItemID      `json:"toolCallRefs,omitempty"`
	// Optimistic marks a locally created message that the server has not
	// confirmed yet.
	Optimistic bool `json:"optimistic,omitempty"`
}

// DeclaresToolCall reports whether the message references the execution,
// either through ToolCallRefs or a tool_use content part.
func (m *Message) DeclaresToolCall(id ItemID) bool {
	for _, ref := range m.ToolCallRefs {
		if ref == id {
			return true
		}
	}
	for _, part := range m.Content {
		if part.Type == ContentToolUse && part.ToolUseID == id {
			return true
		}
	}
	return false
}

// ExecutionStatus represents the lifecycle state of a tool execution.
type ExecutionStatus string

const (
	ExecPending            ExecutionStatus = "pending"
	ExecAwaitingPermission ExecutionStatus = "awaiting_permission"
	ExecRunning            ExecutionStatus = "running"
	ExecCompleted          ExecutionStatus = "completed"
	ExecError              ExecutionStatus = "error"
	ExecAborted            ExecutionStatus = "aborted"
)

// IsTerminal returns true if no further status transition is expected.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecCompleted || s == ExecError || s == ExecAborted
}

type ExecutionError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type ToolExecution struct {
	ID              ItemID          `json:"id"`
	SessionID       SessionID       `json:"sessionId,omitempty"`
	ToolID          string          `json:"toolId"`
	ToolName        string          `json:"toolName"`
	Status          ExecutionStatus `json:"status"`
	Args            map[string]any  `json:"args,omitempty"`
	Result          any             `json:"result,omitempty"`
	Error           *ExecutionError `json:"error,omitempty"`
	StartTime       time.Time       `json:"startTime"`
	EndTime         *time.Time      `json:"endTime,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs,omitempty"`
	PermissionID    ItemID          `json:"permissionId,omitempty"`
	Preview         *Preview        `json:"preview,omitempty"`
	ParentMessageID ItemID          `json:"parentMessageId,omitempty"`
}

type PermissionRequest struct {
	ID          ItemID         `json:"id"`
	SessionID   SessionID      `json:"sessionId,omitempty"`
	ExecutionID ItemID         `json:"executionId"`
	ToolID      string         `json:"toolId"`
	Args        map[string]any `json:"args,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	Granted     *bool          `json:"granted,omitempty"`
}

// PreviewContentType is the visual classification of a preview.
type PreviewContentType string

const (
	PreviewText      PreviewContentType = "text"
	PreviewCode      PreviewContentType = "code"
	PreviewDiff      PreviewContentType = "diff"
	PreviewDirectory PreviewContentType = "directory"
	PreviewJSON      PreviewContentType = "json"
	PreviewBinary    PreviewContentType = "binary"
	PreviewError     PreviewContentType = "error"
)

// Preview is a bounded, render-ready summary of a tool result. It is never
// modified after construction.
type Preview struct {
	ContentType    PreviewContentType `json:"contentType"`
	BriefContent   string             `json:"briefContent"`
	FullContent    string             `json:"fullContent,omitempty"`
	HasFullContent bool               `json:"hasFullContent"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
}

// SessionConfig is the stored per-session configuration used to construct
// the session's agent service.
type SessionConfig struct {
	Agent               string `json:"agent,omitempty"`
	Model               string `json:"model,omitempty"`
	NotifyChatID        int64  `json:"notify_chat_id,omitempty"`
	GenerateFullPreview bool   `json:"generate_full_preview,omitempty"`
}

type Session struct {
	ID                 SessionID     `json:"session_id"`
	Status             string        `json:"status"`
	Config             SessionConfig `json:"config"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	LastEventTimestamp time.Time     `json:"last_event_timestamp,omitempty"`
}

// TimelinePage is one page of a session's timeline.
type TimelinePage struct {
	Items         []TimelineItem `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
	TotalCount    int            `json:"totalCount"`
}
