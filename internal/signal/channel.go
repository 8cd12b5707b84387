package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of signals a slow receiver can fall behind
// before the oldest are dropped.
const DefaultCapacity = 128

var (
	// ErrClosed is returned once every sender is closed and the backlog is drained.
	ErrClosed = errors.New("signal channel closed")
	// ErrEmpty is returned by TryRecv when nothing is pending.
	ErrEmpty = errors.New("signal channel empty")
)

// LaggedError reports signals overwritten before the receiver read them.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged behind, %d signals dropped", e.Skipped)
}

var closedNotify = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// channel is a bounded broadcast ring. Sends never block; when the ring is full
// the oldest entry is overwritten and lagging receivers are told how many they missed.
type channel struct {
	mu      sync.Mutex
	buf     []Signal
	head    uint64 // sequence number of the next send
	senders int
	closed  bool
	notify  chan struct{}
}

// NewChannel returns the first sender and receiver of a new channel.
func NewChannel(capacity int) (*Sender, *Receiver) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ch := &channel{buf: make([]Signal, capacity), senders: 1, notify: make(chan struct{})}
	return &Sender{ch: ch}, &Receiver{ch: ch}
}

func (c *channel) oldest() uint64 {
	if n := uint64(len(c.buf)); c.head > n {
		return c.head - n
	}
	return 0
}

// Sender publishes signals. Each clone must be closed; the channel closes when
// the last sender does.
type Sender struct {
	ch   *channel
	once sync.Once
}

// Send publishes sig to every receiver. Sends after close are dropped.
func (s *Sender) Send(sig Signal) {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.buf[c.head%uint64(len(c.buf))] = sig
	c.head++
	close(c.notify)
	c.notify = make(chan struct{})
}

// Clone returns an independent sender on the same channel.
func (s *Sender) Clone() *Sender {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.senders++
	}
	return &Sender{ch: c}
}

// Close releases this sender. It is safe to call more than once.
func (s *Sender) Close() {
	s.once.Do(func() {
		c := s.ch
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		c.senders--
		if c.senders == 0 {
			c.closed = true
			close(c.notify)
		}
	})
}

// Subscribe returns a receiver that sees signals sent from now on.
func (s *Sender) Subscribe() *Receiver {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Receiver{ch: c, next: c.head}
}

// Receiver reads signals in order. A Receiver is not safe for concurrent use.
type Receiver struct {
	ch   *channel
	next uint64
}

// TryRecv returns the next pending signal without blocking. The error is a
// *LaggedError, ErrClosed or ErrEmpty when no signal is returned.
func (r *Receiver) TryRecv() (Signal, error) {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if oldest := c.oldest(); r.next < oldest {
		skipped := oldest - r.next
		r.next = oldest
		return Signal{}, &LaggedError{Skipped: skipped}
	}
	if r.next < c.head {
		sig := c.buf[r.next%uint64(len(c.buf))]
		r.next++
		return sig, nil
	}
	if c.closed {
		return Signal{}, ErrClosed
	}
	return Signal{}, ErrEmpty
}

// Notify returns a channel that is closed as soon as TryRecv has something to
// return (a signal, a lag notice or closure).
func (r *Receiver) Notify() <-chan struct{} {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.next < c.head || c.closed {
		return closedNotify
	}
	return c.notify
}

// Recv blocks until a signal, a lag notice, closure or ctx cancellation.
func (r *Receiver) Recv(ctx context.Context) (Signal, error) {
	for {
		sig, err := r.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return sig, err
		}
		select {
		case <-r.Notify():
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		}
	}
}
