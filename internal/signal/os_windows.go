//go:build windows

package signal

import (
	"os"
	"syscall"
)

var osSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func translate(s os.Signal) (Signal, bool) {
	switch s {
	case os.Interrupt, syscall.SIGTERM:
		return NewShutdown(nil), true
	}
	return Signal{}, false
}
