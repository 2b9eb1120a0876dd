//go:build integration

package bus_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gopherline/internal/agentsvc"
	"github.com/user/gopherline/internal/bus"
	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/preview"
	"github.com/user/gopherline/internal/state"
	"github.com/user/gopherline/internal/timeline"
	"github.com/user/gopherline/internal/types"
)

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	sessions := state.NewSessionStore(dir)
	items := state.NewItemStore(dir, 2)
	journal := state.NewEventLog(dir)
	rec := state.NewRecorder(journal, sessions, logger)

	_, err := sessions.Create(ctx, "s1", types.SessionConfig{GenerateFullPreview: true})
	require.NoError(t, err)

	reg := agentsvc.New(sessions, agentsvc.RelayFactory, agentsvc.Options{Logger: logger})
	previews := preview.NewDefaultRegistry(preview.WithLogger(logger))
	b := bus.New(reg, items, bus.Options{
		Sink:   items,
		Logger: logger,
		Timeline: timeline.Options{Previewer: preview.SessionPreviewer{
			ExecutionPreviewer: preview.ExecutionPreviewer{Registry: previews, Options: previews.Options()},
			Sessions:           sessions,
		}},
	})
	reg.SetSink(b.Sink())
	reg.OnServiceRemoved(b.CloseSession)
	b.TrackRemovals(sessions)
	b.Start(ctx)
	defer b.Stop()
	require.NoError(t, reg.Start(ctx))
	defer reg.Stop(ctx)

	sub := bus.NewChannelSubscriber(64)
	unsubscribe := b.Subscribe("", nil, sub.Handle)
	defer unsubscribe()
	go func() {
		for n := range sub.C() {
			if n.Event != nil {
				rec.Record(ctx, n.Event)
			}
		}
	}()
	defer sub.Close()

	now := time.Now().Truncate(time.Second)
	end := now.Add(2 * time.Second)
	inbound := []events.Event{
		events.MessageCreated{Base: events.Base{Timestamp: now}, Message: &types.Message{
			ID: "m1", Role: types.RoleUser, Timestamp: now,
			Content: []types.ContentPart{{Type: types.ContentText, Text: "list the files"}},
		}},
		events.ToolExecutionStarted{Base: events.Base{Timestamp: now.Add(time.Second)}, Execution: &types.ToolExecution{
			ID: "x1", ToolID: "bash", ToolName: "Bash", Status: types.ExecRunning, StartTime: now.Add(time.Second),
		}},
		events.ToolExecutionUpdated{Base: events.Base{Timestamp: end}, Execution: &types.ToolExecution{
			ID: "x1", ToolID: "bash", ToolName: "Bash", Status: types.ExecCompleted,
			StartTime: now.Add(time.Second), EndTime: &end, Result: "a.txt\nb.txt\n",
		}},
	}
	for _, ev := range inbound {
		require.NoError(t, b.Ingest(ctx, "s1", ev))
	}
	require.True(t, b.WaitIdle(2*time.Second))

	page, err := b.GetTimeline(ctx, "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	exec := page.Items[1].ToolExecution
	require.NotNil(t, exec)
	assert.Equal(t, types.ExecCompleted, exec.Status)
	require.NotNil(t, exec.Preview, "completed execution carries a preview")
	assert.Contains(t, exec.Preview.BriefContent, "a.txt")

	require.Eventually(t, func() bool {
		n, err := journal.Count(ctx, "s1")
		return err == nil && n == int64(len(inbound))
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh bus over the same store sees the persisted timeline.
	replay := bus.New(nil, items, bus.Options{Logger: logger})
	replay.Start(ctx)
	defer replay.Stop()
	restored, err := replay.GetTimeline(ctx, "s1", timeline.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, restored.Items, 2)
	assert.Equal(t, types.ItemID("m1"), restored.Items[0].ID())
	assert.Equal(t, types.ExecCompleted, restored.Items[1].ToolExecution.Status)

	// Removing the session tears down its service and timeline.
	require.NoError(t, sessions.Remove(ctx, "s1"))
	assert.Eventually(t, func() bool { return !reg.Has("s1") && len(b.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
