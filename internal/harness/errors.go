package harness

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedOperation is returned for operations the spawn mode cannot
// express, such as sending input to a non-interactive process.
var ErrUnsupportedOperation = errors.New("operation not supported in this spawn mode")

// SpawnError reports a process that failed to start or died during the
// handshake. Stderr carries the tail of the child's diagnostics when any
// were captured.
type SpawnError struct {
	Command string
	Err     error
	Stderr  string
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("spawning %s: %v", e.Command, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += "\nstderr:\n" + s
	}
	return msg
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StartupTimeoutError reports an agent that never became ready. The process
// has already been killed when this is returned.
type StartupTimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("%s did not become ready within %s", e.Command, e.Timeout)
}
