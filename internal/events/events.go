// Package events defines the typed callback surface a harness owner can
// subscribe to. Hooks are plain function fields so callers wire only what
// they care about; nil fields are skipped. Callbacks run on harness
// goroutines and must return quickly.
package events

import (
	"time"

	"github.com/agentfold/warden/internal/approval"
)

// ProcessStarted is reported once the child process has been spawned.
type ProcessStarted struct {
	HandleID string
	PID      int
	Command  string
	Args     []string
	WorkDir  string
	Time     time.Time
}

// SessionIdentified is reported when the agent announces its own session id.
type SessionIdentified struct {
	HandleID  string
	SessionID string
	Model     string
	Time      time.Time
}

// Ready is reported whenever the agent transitions to accepting input.
type Ready struct {
	HandleID string
	Time     time.Time
}

// Exited is reported exactly once when the child process terminates.
type Exited struct {
	HandleID string
	ExitCode int
	Err      error
	Time     time.Time
}

// StreamError is reported for recoverable protocol-layer failures that do
// not terminate the process, such as an oversized or unwritable line.
type StreamError struct {
	HandleID string
	Err      error
	Time     time.Time
}

// Hooks carries the observer callbacks for one supervised process.
type Hooks struct {
	ProcessStarted func(ProcessStarted)
	SessionID      func(SessionIdentified)
	Ready          func(Ready)
	Exited         func(Exited)
	StreamError    func(StreamError)

	// Approval forwards the broker's notifications so owners can surface
	// pending requests without subscribing to the broker directly.
	Approval approval.Signals
}

// EmitProcessStarted invokes the hook when set.
func (h *Hooks) EmitProcessStarted(ev ProcessStarted) {
	if h != nil && h.ProcessStarted != nil {
		h.ProcessStarted(ev)
	}
}

// EmitSessionID invokes the hook when set.
func (h *Hooks) EmitSessionID(ev SessionIdentified) {
	if h != nil && h.SessionID != nil {
		h.SessionID(ev)
	}
}

// EmitReady invokes the hook when set.
func (h *Hooks) EmitReady(ev Ready) {
	if h != nil && h.Ready != nil {
		h.Ready(ev)
	}
}

// EmitExited invokes the hook when set.
func (h *Hooks) EmitExited(ev Exited) {
	if h != nil && h.Exited != nil {
		h.Exited(ev)
	}
}

// EmitStreamError invokes the hook when set.
func (h *Hooks) EmitStreamError(ev StreamError) {
	if h != nil && h.StreamError != nil {
		h.StreamError(ev)
	}
}
