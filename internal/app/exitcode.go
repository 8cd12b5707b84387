package app

import (
	"errors"
	"fmt"
)

// ExitCode is the process exit status reported by the application.
// The values follow sysexits.h.
type ExitCode int

const (
	ExitOK          ExitCode = 0
	ExitUsage       ExitCode = 64
	ExitUnavailable ExitCode = 69
	ExitConfig      ExitCode = 78
)

func (c ExitCode) String() string {
	switch c {
	case ExitOK:
		return "ok"
	case ExitUsage:
		return "usage"
	case ExitUnavailable:
		return "unavailable"
	case ExitConfig:
		return "config"
	default:
		return fmt.Sprintf("exit(%d)", int(c))
	}
}

// ExitStatus maps an exit code to the integer handed to os.Exit.
func ExitStatus(c ExitCode) int { return int(c) }

// ExitError is a startup failure that already carries its exit code. The
// cause has been logged by the time it is returned.
type ExitError struct {
	Code ExitCode
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code ExitCode, err error) error { return &ExitError{Code: code, Err: err} }

// CodeOf extracts the exit code from err. nil maps to ExitOK and errors
// without a code map to ExitConfig.
func CodeOf(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitConfig
}
