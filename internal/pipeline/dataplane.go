package pipeline

import (
	"context"
	"sync"
)

const inboxSize = 256

// inbox is the input queue of a transform or sink. It closes once no fanout
// writes to it anymore.
type inbox struct {
	ch chan Event

	mu      sync.Mutex
	writers int
	closed  bool
	dead    bool
}

func newInbox() *inbox { return &inbox{ch: make(chan Event, inboxSize)} }

func (b *inbox) addWriter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.writers++
	}
}

func (b *inbox) removeWriter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.writers--
	if b.writers <= 0 {
		b.closed = true
		close(b.ch)
	}
}

func (b *inbox) closeIfUnwritten() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed && b.writers == 0 {
		b.closed = true
		close(b.ch)
	}
}

// abandon discards everything still queued once the consumer stopped reading,
// so upstream senders never block on it.
func (b *inbox) abandon() {
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return
	}
	b.dead = true
	b.mu.Unlock()
	go func() {
		for range b.ch {
		}
	}()
}

// fanout delivers a producer's events to every attached inbox.
type fanout struct {
	mu      sync.RWMutex
	targets map[*inbox]struct{}
	closed  bool
}

func newFanout() *fanout { return &fanout{targets: map[*inbox]struct{}{}} }

func (f *fanout) Send(ctx context.Context, ev Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	first := true
	for t := range f.targets {
		e := ev
		if !first {
			e = ev.Clone()
		}
		first = false
		select {
		case t.ch <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// rewire makes want the exact target set. Additions happen before removals so
// an inbox moving between producers never sees zero writers.
func (f *fanout) rewire(want map[*inbox]struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for t := range want {
		if _, ok := f.targets[t]; !ok {
			t.addWriter()
			f.targets[t] = struct{}{}
		}
	}
	for t := range f.targets {
		if _, ok := want[t]; !ok {
			delete(f.targets, t)
			t.removeWriter()
		}
	}
}

// close detaches every target. Called once the producer has returned.
func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for t := range f.targets {
		t.removeWriter()
	}
	f.targets = nil
}

func (f *fanout) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.targets)
}
