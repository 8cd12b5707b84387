package app

import (
	"errors"
	"fmt"
	"runtime"
	"testing"
)

func TestExitStatus(t *testing.T) {
	cases := map[ExitCode]int{ExitOK: 0, ExitUsage: 64, ExitUnavailable: 69, ExitConfig: 78}
	for code, want := range cases {
		if got := ExitStatus(code); got != want {
			t.Errorf("ExitStatus(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != ExitOK {
		t.Fatalf("nil: got %s", got)
	}
	wrapped := fmt.Errorf("prepare: %w", exitErr(ExitUnavailable, errors.New("gone")))
	if got := CodeOf(wrapped); got != ExitUnavailable {
		t.Fatalf("wrapped: got %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != ExitConfig {
		t.Fatalf("plain: got %s", got)
	}
	if wrapped.Error() != "prepare: gone" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestInitWorkerThreads(t *testing.T) {
	prev := runtime.GOMAXPROCS(0)
	t.Cleanup(func() {
		workerThreads.Store(0)
		runtime.GOMAXPROCS(prev)
	})
	workerThreads.Store(0)

	if _, ok := WorkerThreads(); ok {
		t.Fatal("threads reported before initialization")
	}
	if err := InitWorkerThreads(0); CodeOf(err) != ExitConfig {
		t.Fatalf("zero threads: got %v", err)
	}
	if err := InitWorkerThreads(2); err != nil {
		t.Fatalf("InitWorkerThreads: %v", err)
	}
	if n, ok := WorkerThreads(); !ok || n != 2 {
		t.Fatalf("WorkerThreads = %d, %v", n, ok)
	}
	if got := runtime.GOMAXPROCS(0); got != 2 {
		t.Fatalf("GOMAXPROCS = %d", got)
	}

	defer func() {
		if r := recover(); r != "double thread initialization" {
			t.Fatalf("unexpected recover value %v", r)
		}
	}()
	_ = InitWorkerThreads(4)
}

func TestGracefulShutdownDuration(t *testing.T) {
	if d := (Options{}).GracefulShutdownDuration(); d != DefaultGracefulShutdownLimit {
		t.Fatalf("default: %s", d)
	}
	if d := (Options{GracefulShutdownLimit: 5e9, NoGracefulShutdownLimit: true}).GracefulShutdownDuration(); d != 0 {
		t.Fatalf("unbounded: %s", d)
	}
}
