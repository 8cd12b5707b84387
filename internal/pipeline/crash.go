package pipeline

import (
	"sync"

	"github.com/eapache/channels"
)

// CrashChannel is an unbounded queue of fatal component errors. Report never blocks.
type CrashChannel struct {
	mu     sync.Mutex
	closed bool
	queue  *channels.InfiniteChannel
	out    chan error
	done   chan struct{}
	once   sync.Once
}

func NewCrashChannel() *CrashChannel {
	c := &CrashChannel{
		queue: channels.NewInfiniteChannel(),
		out:   make(chan error),
		done:  make(chan struct{}),
	}
	go c.pump()
	return c
}

// Report queues err. Reports after Close are dropped.
func (c *CrashChannel) Report(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue.In() <- err
}

// C delivers reported errors in order.
func (c *CrashChannel) C() <-chan error { return c.out }

// Close drops queued errors. C is never closed.
func (c *CrashChannel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue.Close()
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *CrashChannel) pump() {
	for v := range c.queue.Out() {
		select {
		case c.out <- v.(error):
		case <-c.done:
			// Let the queue goroutine flush and exit.
			for range c.queue.Out() {
			}
			return
		}
	}
}
