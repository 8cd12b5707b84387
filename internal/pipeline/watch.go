package pipeline

import (
	"sync"
	"time"
)

// ComponentInfo describes one running component instance.
type ComponentInfo struct {
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	Type       string    `json:"type"`
	Inputs     []string  `json:"inputs,omitempty"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
	Running    bool      `json:"running"`
}

// Snapshot is the component graph after a start or an applied reload.
type Snapshot struct {
	Generation uint64          `json:"generation"`
	Components []ComponentInfo `json:"components"`
}

// watchHub fans snapshots out to subscribers. Slow subscribers only ever see
// the latest snapshot.
type watchHub struct {
	mu     sync.Mutex
	last   *Snapshot
	subs   map[chan Snapshot]struct{}
	closed bool
}

func newWatchHub() *watchHub { return &watchHub{subs: map[chan Snapshot]struct{}{}} }

func (h *watchHub) publish(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &s
	for ch := range h.subs {
		offerLatest(ch, s)
	}
}

func offerLatest(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (h *watchHub) subscribe() (<-chan Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Snapshot, 1)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.last != nil {
		ch <- *h.last
	}
	h.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *watchHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = map[chan Snapshot]struct{}{}
}
