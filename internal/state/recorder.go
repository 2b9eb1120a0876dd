package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/types"
)

// Recorder journals domain events and bumps the owning session's activity
// timestamp.
type Recorder struct {
	log      *EventLog
	sessions *SessionStore
	logger   *slog.Logger
}

func NewRecorder(log *EventLog, sessions *SessionStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{log: log, sessions: sessions, logger: logger.With("component", "recorder")}
}

// Record appends ev to its session's journal. Events for sessions that no
// longer exist are dropped.
func (r *Recorder) Record(ctx context.Context, ev events.Event) error {
	if ev == nil || ev.Session() == "" {
		return nil
	}
	sid := ev.Session()
	if _, err := r.sessions.GetSession(ctx, sid); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			r.logger.Debug("dropping event for unknown session", "session_id", sid, "kind", ev.Kind())
			return nil
		}
		return fmt.Errorf("record %s: %w", ev.Kind(), err)
	}
	if _, err := r.log.Append(ctx, ev); err != nil {
		return fmt.Errorf("record %s: %w", ev.Kind(), err)
	}
	at := ev.At()
	if at.IsZero() {
		at = time.Now()
	}
	if err := r.sessions.Touch(ctx, sid, at); err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}
