//go:build !windows

package signal

import (
	"os"
	"syscall"
)

var osSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP}

func translate(s os.Signal) (Signal, bool) {
	switch s {
	case syscall.SIGINT, syscall.SIGTERM:
		return NewShutdown(nil), true
	case syscall.SIGQUIT:
		return NewQuit(), true
	case syscall.SIGHUP:
		return NewReloadFromDisk(), true
	}
	return Signal{}, false
}
