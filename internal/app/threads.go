package app

import (
	"errors"
	"runtime"
	"sync/atomic"
)

var workerThreads atomic.Int64

// InitWorkerThreads records the number of worker threads for the process and
// sets GOMAXPROCS accordingly. It must be called at most once; a second call
// panics.
func InitWorkerThreads(n int) error {
	if n < 1 {
		return exitErr(ExitConfig, errors.New("the `threads` argument must be greater or equal to 1"))
	}
	if !workerThreads.CompareAndSwap(0, int64(n)) {
		panic("double thread initialization")
	}
	runtime.GOMAXPROCS(n)
	return nil
}

// WorkerThreads returns the configured worker thread count, if any.
func WorkerThreads() (int, bool) {
	n := workerThreads.Load()
	return int(n), n > 0
}
