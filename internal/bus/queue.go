package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/timeline"
	"github.com/user/gopherline/internal/types"
)

const DefaultLaneSize = 100

var ErrStopped = errors.New("bus stopped")

// work is one unit on a session lane: an event to fold, or a command run
// against the session's engine.
type work struct {
	sessionID types.SessionID
	event     events.Event
	command   func(ctx context.Context, eng *timeline.Engine) error

	once sync.Once
	err  error
	done chan struct{}
}

func (w *work) finish(err error) {
	w.once.Do(func() {
		w.err = err
		if w.done != nil {
			close(w.done)
		}
	})
}

type lane struct {
	ch   chan *work
	done chan struct{}
}

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that work within a
// session is processed sequentially, while the semaphore limits the
// total number of concurrent processors across all sessions.
type Queue struct {
	lanes     map[types.SessionID]*lane
	laneSize  int
	semaphore *semaphore.Weighted
	processor func(context.Context, *work)
	pending   atomic.Int64
	logger    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

// NewQueue creates a Queue that allows up to maxConcurrent processors to run
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64, laneSize int, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if laneSize <= 0 {
		laneSize = DefaultLaneSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		lanes:     make(map[types.SessionID]*lane),
		laneSize:  laneSize,
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    logger,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop closes all lanes, waits for them to drain and then cancels the queue
// context.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for id, l := range q.lanes {
		close(l.ch)
		delete(q.lanes, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// Enqueue adds work to the session's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(w *work) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.ctx == nil {
		return ErrStopped
	}

	l, exists := q.lanes[w.sessionID]
	if !exists {
		l = &lane{ch: make(chan *work, q.laneSize), done: make(chan struct{})}
		q.lanes[w.sessionID] = l
		q.wg.Add(1)
		go q.processLane(w.sessionID, l)
	}

	q.pending.Add(1)
	select {
	case l.ch <- w:
		return nil
	default:
		q.pending.Add(-1)
		return fmt.Errorf("queue full for session %s", w.sessionID)
	}
}

// CloseLane closes the session's lane and blocks until its goroutine has
// processed everything already queued. A later Enqueue opens a new lane.
func (q *Queue) CloseLane(sessionID types.SessionID) {
	q.mu.Lock()
	l, ok := q.lanes[sessionID]
	if ok {
		close(l.ch)
		delete(q.lanes, sessionID)
	}
	q.mu.Unlock()
	if ok {
		<-l.done
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously. This ensures strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism.
func (q *Queue) processLane(sessionID types.SessionID, l *lane) {
	defer q.wg.Done()
	defer close(l.done)
	for w := range l.ch {
		q.run(sessionID, w)
	}
}

func (q *Queue) run(sessionID types.SessionID, w *work) {
	defer q.pending.Add(-1)
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		w.finish(ErrStopped)
		return
	}
	defer q.semaphore.Release(1)

	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("lane processor panicked", "session_id", sessionID, "panic", p)
			w.finish(fmt.Errorf("process session %s: panic: %v", sessionID, p))
		}
	}()
	if q.processor == nil {
		w.finish(nil)
		return
	}
	q.processor(q.ctx, w)
	w.finish(nil)
}

// WaitIdle blocks until no work is queued or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued unit of work.
// Work the processor leaves unfinished completes with a nil error.
func (q *Queue) SetProcessor(fn func(context.Context, *work)) {
	q.processor = fn
}

// Lanes returns the number of open lanes.
func (q *Queue) Lanes() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes)
}
