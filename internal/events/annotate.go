package events

import (
	"time"

	"github.com/user/gopherline/internal/types"
)

// Annotate returns a copy of ev tagged with sessionID. The flat SessionID and
// every nested payload receive the id only where it is missing. Permission
// events are reshaped so that the outbound permission payload always carries
// the originating execution's id. Nested payloads are copied, never mutated.
func Annotate(ev Event, sessionID types.SessionID) Event {
	if ev == nil {
		return nil
	}
	return ev.annotate(sessionID)
}

// Stamp returns ev with its envelope timestamp set to at when it has none.
// The bus stamps on arrival, so a journaled event replays with the time it
// was first seen.
func Stamp(ev Event, at time.Time) Event {
	if ev == nil || !ev.At().IsZero() {
		return ev
	}
	switch e := ev.(type) {
	case ProcessingStarted:
		e.Timestamp = at
		return e
	case ProcessingCompleted:
		e.Timestamp = at
		return e
	case ProcessingError:
		e.Timestamp = at
		return e
	case ProcessingAborted:
		e.Timestamp = at
		return e
	case MessageCreated:
		e.Timestamp = at
		return e
	case MessageUpdated:
		e.Timestamp = at
		return e
	case ToolExecutionStarted:
		e.Timestamp = at
		return e
	case ToolExecutionUpdated:
		e.Timestamp = at
		return e
	case PermissionRequested:
		e.Timestamp = at
		return e
	case PermissionResolved:
		e.Timestamp = at
		return e
	case SessionReset:
		e.Timestamp = at
		return e
	}
	return ev
}

func (e ProcessingStarted) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	return e
}

func (e ProcessingCompleted) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	return e
}

func (e ProcessingError) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	if e.Error != nil {
		errCopy := *e.Error
		e.Error = &errCopy
	}
	return e
}

func (e ProcessingAborted) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	return e
}

func (e MessageCreated) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	e.Message = annotateMessage(e.Message, e.SessionID)
	return e
}

func (e MessageUpdated) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	e.Message = annotateMessage(e.Message, e.SessionID)
	return e
}

func (e ToolExecutionStarted) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	e.Execution = annotateExecution(e.Execution, e.SessionID)
	return e
}

func (e ToolExecutionUpdated) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	e.Execution = annotateExecution(e.Execution, e.SessionID)
	return e
}

// annotate reshapes to {sessionId, execution, permissionRequest}.
func (e PermissionRequested) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	e.Execution = annotateExecution(e.Execution, e.SessionID)
	src := e.PermissionRequest
	if src == nil {
		src = e.Permission
	}
	e.PermissionRequest = annotatePermission(src, e.Execution, e.SessionID)
	e.Permission = nil
	return e
}

// annotate reshapes to {sessionId, execution, permission}.
func (e PermissionResolved) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	e.Execution = annotateExecution(e.Execution, e.SessionID)
	src := e.Permission
	if src == nil {
		src = e.PermissionRequest
	}
	e.Permission = annotatePermission(src, e.Execution, e.SessionID)
	e.PermissionRequest = nil
	return e
}

func (e SessionReset) annotate(id types.SessionID) Event {
	e.Base = e.Base.withSession(id)
	return e
}

func annotateMessage(m *types.Message, id types.SessionID) *types.Message {
	if m == nil {
		return nil
	}
	cp := *m
	if cp.SessionID == "" {
		cp.SessionID = id
	}
	return &cp
}

func annotateExecution(x *types.ToolExecution, id types.SessionID) *types.ToolExecution {
	if x == nil {
		return nil
	}
	cp := *x
	if cp.SessionID == "" {
		cp.SessionID = id
	}
	return &cp
}

func annotatePermission(p *types.PermissionRequest, exec *types.ToolExecution, id types.SessionID) *types.PermissionRequest {
	if p == nil && exec == nil {
		return nil
	}
	var cp types.PermissionRequest
	if p != nil {
		cp = *p
	}
	if cp.SessionID == "" {
		cp.SessionID = id
	}
	if exec != nil && exec.ID != "" {
		cp.ExecutionID = exec.ID
	}
	if cp.ToolID == "" && exec != nil {
		cp.ToolID = exec.ToolID
	}
	return &cp
}
