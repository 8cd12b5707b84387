package signal

import (
	"context"
	"log/slog"
	"os"
	ossignal "os/signal"
	"sync"
)

// Provider pushes signals until ctx is cancelled. It owns tx only for the
// duration of the call.
type Provider func(ctx context.Context, tx *Sender) error

// Handler owns the signal channel and the goroutines that feed it.
type Handler struct {
	tx     *Sender
	logger *slog.Logger

	mu        sync.Mutex
	provCtx   context.Context
	provStop  context.CancelFunc
	providers sync.WaitGroup

	stopOS func()
}

// NewHandler wraps the first sender of a channel.
func NewHandler(tx *Sender, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{tx: tx, logger: logger, stopOS: func() {}}
	h.provCtx, h.provStop = context.WithCancel(context.Background())
	return h
}

// NewPair builds a handler and its receiver and starts translating OS signals
// until ctx is done or the handler is closed.
func NewPair(ctx context.Context, logger *slog.Logger) (*Handler, *Receiver) {
	tx, rx := NewChannel(DefaultCapacity)
	h := NewHandler(tx, logger)
	h.watchOS(ctx)
	return h, rx
}

// Sender returns a new sender for a producer. The caller closes it.
func (h *Handler) Sender() *Sender { return h.tx.Clone() }

// Subscribe returns an additional receiver.
func (h *Handler) Subscribe() *Receiver { return h.tx.Subscribe() }

// Send publishes through the handler's own sender.
func (h *Handler) Send(sig Signal) { h.tx.Send(sig) }

// Forward copies signals from in until it is closed or ctx is done.
func (h *Handler) Forward(ctx context.Context, in <-chan Signal) {
	tx := h.Sender()
	go func() {
		defer tx.Close()
		for {
			select {
			case sig, ok := <-in:
				if !ok {
					return
				}
				tx.Send(sig)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// AddProvider runs p until the next Clear or Close.
func (h *Handler) AddProvider(p Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ctx := h.provCtx
	tx := h.Sender()
	h.providers.Add(1)
	go func() {
		defer h.providers.Done()
		defer tx.Close()
		if err := p(ctx, tx); err != nil && ctx.Err() == nil {
			h.logger.Error("config provider failed", "error", err)
		}
	}()
}

// Clear stops every provider and waits for them to return.
func (h *Handler) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.provStop()
	h.providers.Wait()
	h.provCtx, h.provStop = context.WithCancel(context.Background())
}

// Close stops providers and OS translation and releases the handler's sender.
func (h *Handler) Close() {
	h.Clear()
	h.mu.Lock()
	stop := h.stopOS
	h.stopOS = func() {}
	h.mu.Unlock()
	stop()
	h.tx.Close()
}

func (h *Handler) watchOS(ctx context.Context) {
	ch := make(chan os.Signal, 4)
	ossignal.Notify(ch, osSignals...)
	ctx, cancel := context.WithCancel(ctx)
	tx := h.Sender()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer tx.Close()
		defer ossignal.Stop(ch)
		for {
			select {
			case s := <-ch:
				sig, ok := translate(s)
				if !ok {
					continue
				}
				h.logger.Info("signal received", "os_signal", s.String(), "signal", sig.String())
				tx.Send(sig)
			case <-ctx.Done():
				return
			}
		}
	}()
	h.mu.Lock()
	h.stopOS = func() {
		cancel()
		<-done
	}
	h.mu.Unlock()
}
