package timeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/gopherline/internal/types"
)

var (
	// ErrTruncated rejects a write for an id removed by TruncateAt.
	ErrTruncated = errors.New("item was truncated")

	// ErrSuperseded is returned when a reset or truncation happened while a
	// fetch was in flight; the fetched page is discarded.
	ErrSuperseded = errors.New("fetch superseded")

	ErrInvalidItem  = errors.New("invalid timeline item")
	ErrWrongSession = errors.New("item belongs to another session")
	ErrClosed       = errors.New("timeline closed")

	// ErrMissingTimestamp rejects an event that needs a time and carries
	// none, neither in its envelope nor its payload.
	ErrMissingTimestamp = errors.New("event has no timestamp")
)

// FetchError reports a failed history read. Engine state is untouched when
// one is returned.
type FetchError struct {
	SessionID types.SessionID
	PageToken string
	Err       error
}

func (e *FetchError) Error() string {
	if e.PageToken == "" {
		return fmt.Sprintf("fetch history for session %s: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("fetch history for session %s (page %q): %v", e.SessionID, e.PageToken, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the same fetch may succeed if issued again.
func (e *FetchError) Retryable() bool {
	switch {
	case errors.Is(e.Err, types.ErrNotFound), errors.Is(e.Err, ErrClosed):
		return false
	case errors.Is(e.Err, context.Canceled):
		return false
	}
	return true
}
