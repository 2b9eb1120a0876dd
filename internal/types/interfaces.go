package types

import (
	"context"
	"errors"
)

// ErrNotFound is returned by collaborators when a session or item is unknown.
var ErrNotFound = errors.New("not found")

// SessionLifecycle is the session manager the registry consults for stored
// configuration and the set of live sessions.
type SessionLifecycle interface {
	GetSession(ctx context.Context, id SessionID) (*Session, error)
	AllSessionIDs(ctx context.Context) ([]SessionID, error)
	OnSessionRemoved(fn func(SessionID))
}

// HistoryFetcher is the paged historical read backing a session timeline.
// An empty pageToken requests the first page.
type HistoryFetcher interface {
	Fetch(ctx context.Context, sessionID SessionID, pageToken string) (TimelinePage, error)
}
