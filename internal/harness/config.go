package harness

import (
	"time"

	"github.com/agentfold/warden/internal/events"
	"github.com/agentfold/warden/internal/peer"
)

// DefaultStartupTimeout bounds how long an interactive spawn may take to
// reach readiness before the process is killed.
const DefaultStartupTimeout = 30 * time.Second

// Config describes one agent process to supervise.
type Config struct {
	// Command is the agent binary; Args are passed verbatim.
	Command string
	Args    []string

	// WorkDir is the child's working directory. Empty inherits ours.
	WorkDir string

	// Env is overlaid on the inherited environment.
	Env map[string]string

	// Prompt is the initial user input. In non-interactive mode it is the
	// entire stdin; in interactive mode it is sent as the first turn once
	// the agent is ready.
	Prompt string

	// Resume names an agent session to continue instead of starting fresh.
	Resume string

	// Interactive keeps stdin open and runs the control handshake.
	// Non-interactive spawns write the prompt and close stdin.
	Interactive bool

	// UsePTY runs the child on a pseudo-terminal. Only meaningful for
	// interactive agents that refuse to stream without one.
	UsePTY bool

	// Variant selects the control protocol. Empty selects the
	// line-delimited control protocol.
	Variant peer.Variant

	// AutoApprove switches the approval broker to auto mode.
	AutoApprove bool

	// StartupTimeout overrides DefaultStartupTimeout. ApprovalTimeout and
	// StoreBudget override the broker and store defaults; zero keeps them.
	StartupTimeout  time.Duration
	ApprovalTimeout time.Duration
	StoreBudget     int

	// Hooks receives lifecycle and approval notifications. May be nil.
	Hooks *events.Hooks
}

func (c *Config) startupTimeout() time.Duration {
	if c.StartupTimeout > 0 {
		return c.StartupTimeout
	}
	return DefaultStartupTimeout
}
