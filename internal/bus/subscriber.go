package bus

import (
	"sync"
	"sync/atomic"
)

// ChannelSubscriber buffers notifications for a slow reader. When the buffer
// is full the oldest notification is discarded so the lane never blocks.
type ChannelSubscriber struct {
	mu      sync.Mutex
	ch      chan Notification
	closed  bool
	dropped atomic.Int64
	onDrop  func(Notification)
}

func NewChannelSubscriber(size int) *ChannelSubscriber {
	if size <= 0 {
		size = 64
	}
	return &ChannelSubscriber{ch: make(chan Notification, size)}
}

// Handle is a Handler.
func (c *ChannelSubscriber) Handle(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.ch <- n:
			return
		default:
		}
		select {
		case old := <-c.ch:
			c.dropped.Add(1)
			if c.onDrop != nil {
				c.onDrop(old)
			}
		default:
		}
	}
}

// OnDrop registers fn to run with each discarded notification. fn runs on
// the publishing lane and must not block.
func (c *ChannelSubscriber) OnDrop(fn func(Notification)) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

func (c *ChannelSubscriber) C() <-chan Notification { return c.ch }

// Dropped returns how many notifications were discarded.
func (c *ChannelSubscriber) Dropped() int64 { return c.dropped.Load() }

// Close closes the channel. Later notifications are ignored.
func (c *ChannelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
