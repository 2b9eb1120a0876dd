package agentsvc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/types"
)

func TestRelay_FanOutAndUnsubscribe(t *testing.T) {
	s := NewRelayService("s1")
	var a, b atomic.Int32
	unsubA := s.Subscribe(func(events.Event) { a.Add(1) })
	s.Subscribe(func(events.Event) { b.Add(1) })

	require.NoError(t, s.Push(context.Background(), events.ProcessingStarted{}))
	unsubA()
	unsubA()
	require.NoError(t, s.Push(context.Background(), events.ProcessingCompleted{}))

	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(2), b.Load())
}

func TestRelay_AbortWaitsForInflightPush(t *testing.T) {
	s := NewRelayService("s1")
	release := make(chan struct{})
	entered := make(chan struct{})
	s.Subscribe(func(events.Event) {
		close(entered)
		<-release
	})

	go func() { _ = s.Push(context.Background(), events.ProcessingStarted{}) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Abort(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Abort(context.Background()))

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after abort")
	}
	assert.ErrorIs(t, s.Push(context.Background(), events.ProcessingStarted{}), ErrAborted)
}

func TestRelayFactory(t *testing.T) {
	svc, err := RelayFactory(context.Background(), &types.Session{ID: "s9"})
	require.NoError(t, err)
	assert.Equal(t, types.SessionID("s9"), svc.SessionID())
	_, ok := svc.(Pusher)
	assert.True(t, ok)
}
