package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrSharedStillHeld is returned by TryIntoInner while other handles are alive.
	ErrSharedStillHeld = errors.New("topology controller is still shared")
	ErrReleased        = errors.New("shared controller handle already released")
)

type sharedState struct {
	sem  *semaphore.Weighted
	refs atomic.Int64
	ctrl *Controller
}

// Shared is a reference counted handle to a Controller. Every holder gets its
// own handle through Clone and gives it back with Release; the controller is
// only handed out under Lock.
type Shared struct {
	st       *sharedState
	released atomic.Bool
}

func NewShared(c *Controller) *Shared {
	st := &sharedState{sem: semaphore.NewWeighted(1), ctrl: c}
	st.refs.Store(1)
	return &Shared{st: st}
}

// Clone returns a new handle to the same controller.
func (s *Shared) Clone() *Shared {
	s.st.refs.Add(1)
	return &Shared{st: s.st}
}

// Release drops this handle. Calling it more than once is a no-op.
func (s *Shared) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.st.refs.Add(-1)
	}
}

// Refs reports the number of live handles.
func (s *Shared) Refs() int64 { return s.st.refs.Load() }

// Lock waits for exclusive access to the controller. The returned unlock
// function must be called exactly once; extra calls are ignored.
func (s *Shared) Lock(ctx context.Context) (*Controller, func(), error) {
	if s.released.Load() {
		return nil, nil, ErrReleased
	}
	if err := s.st.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return s.st.ctrl, func() { once.Do(func() { s.st.sem.Release(1) }) }, nil
}

// TryIntoInner consumes the last handle and returns the controller.
func (s *Shared) TryIntoInner() (*Controller, error) {
	if s.released.Load() {
		return nil, ErrReleased
	}
	if n := s.st.refs.Load(); n != 1 {
		return nil, fmt.Errorf("%w: %d references alive", ErrSharedStillHeld, n)
	}
	if !s.st.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: locked", ErrSharedStillHeld)
	}
	s.Release()
	return s.st.ctrl, nil
}
