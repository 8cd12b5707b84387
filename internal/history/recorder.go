package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	recorderBuffer = 64
	sendTimeout    = 5 * time.Second
)

// Recorder delivers events to a Sink from a background goroutine so the
// lifecycle never waits on an export. A nil *Recorder drops everything.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	ch     chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{sink: sink, logger: logger, ch: make(chan Event, recorderBuffer), done: make(chan struct{})}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := r.sink.Send(ctx, e); err != nil {
			r.logger.Warn("history export failed", "event", e.Type, "error", err)
		}
		cancel()
	}
}

// Record queues e. Events are dropped with a warning when the buffer is full.
// Record after Close is a no-op.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.logger.Warn("history buffer full, dropping event", "event", e.Type)
	}
}

// Close flushes queued events, waiting at most until ctx ends, and closes the
// sink if it is an io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
