// Package harness supervises one external agent CLI process: it spawns the
// child in its own process group, parses its NDJSON output, runs the control
// protocol through a peer, routes permission checks through an approval
// broker, and files everything in a message store. The handle returned by
// Spawn is the single owner surface for input, interruption, and teardown.
package harness

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agentfold/warden/internal/approval"
	"github.com/agentfold/warden/internal/debug"
	"github.com/agentfold/warden/internal/eventq"
	"github.com/agentfold/warden/internal/events"
	"github.com/agentfold/warden/internal/msgstore"
	"github.com/agentfold/warden/internal/peer"
	"github.com/agentfold/warden/internal/wire"
)

// State is the lifecycle of a supervised process.
type State string

const (
	StateSpawning     State = "spawning"
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateProcessing   State = "processing"
	StateInterrupting State = "interrupting"
	StateExited       State = "exited"
)

// eventBuffer is the capacity of the observer event channel. Overflow drops
// events rather than stalling the protocol loop.
const eventBuffer = 256

// interruptGrace is how long a non-interactive interrupt waits after
// SIGTERM before escalating to SIGKILL.
const interruptGrace = 5 * time.Second

// Handle is the owner surface for one supervised agent process.
type Handle struct {
	// ID identifies this spawn; it is unrelated to the agent's session id.
	ID string

	cfg    Config
	cmd    *exec.Cmd
	store  *msgstore.Store
	broker *approval.Broker
	peer   peer.Peer

	events chan wire.RawEvent

	mu       sync.Mutex
	state    State
	stateCh  chan struct{}
	exitCode int
	exitErr  error

	exitCh  chan struct{}
	readers sync.WaitGroup

	stopProc    context.CancelFunc
	cancelParse context.CancelFunc
}

// Spawn starts the configured agent process. For interactive spawns it runs
// the protocol handshake and blocks until the agent is ready, the startup
// timeout elapses (the child is killed), or the child exits. Non-interactive
// spawns return as soon as the process is running; the prompt has been
// written to its stdin and the result arrives through the store.
func Spawn(ctx context.Context, cfg Config) (*Handle, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("no agent command configured")
	}

	if cfg.Resume != "" && (cfg.Variant == peer.VariantControl || cfg.Variant == "") {
		cfg.Args = append(append([]string(nil), cfg.Args...), "--resume", cfg.Resume)
	}

	// The command's context outlives the Spawn ctx: the process is torn
	// down by killGroup, not by the caller's deadline. Cancel must be set
	// on a CommandContext command, so the harness owns one.
	procCtx, stopProc := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = debug.PropagatedEnv(cmd.Env, "agent:"+cfg.Command)
	cmd.WaitDelay = 5 * time.Second

	mode := approval.ModeManual
	if cfg.AutoApprove {
		mode = approval.ModeAuto
	}
	var signals approval.Signals
	if cfg.Hooks != nil {
		signals = cfg.Hooks.Approval
	}

	h := &Handle{
		ID:       uuid.NewString(),
		cfg:      cfg,
		cmd:      cmd,
		store:    msgstore.New(cfg.StoreBudget),
		broker:   approval.New(mode, cfg.ApprovalTimeout, signals),
		events:   make(chan wire.RawEvent, eventBuffer),
		state:    StateSpawning,
		stateCh:  make(chan struct{}),
		exitCh:   make(chan struct{}),
		stopProc: stopProc,
	}

	var (
		stdout io.Reader
		stdin  io.WriteCloser
		stderr io.Reader
		err    error
	)

	fail := func(e error) (*Handle, error) {
		stopProc()
		return nil, &SpawnError{Command: cfg.Command, Err: e}
	}

	if cfg.UsePTY && cfg.Interactive {
		// pty.Start puts the child in a fresh session, which is also a
		// fresh process group; stderr is merged into the terminal stream.
		setupCancel(cmd)
		stdout, stdin, err = startPTY(cmd)
		if err != nil {
			return fail(err)
		}
	} else {
		setupProcessGroup(cmd)
		outPipe, perr := cmd.StdoutPipe()
		if perr != nil {
			return fail(perr)
		}
		errPipe, perr := cmd.StderrPipe()
		if perr != nil {
			return fail(perr)
		}
		stdout, stderr = outPipe, errPipe

		if cfg.Interactive {
			stdin, err = cmd.StdinPipe()
			if err != nil {
				return fail(err)
			}
		} else {
			cmd.Stdin = strings.NewReader(cfg.Prompt)
		}

		if err := cmd.Start(); err != nil {
			return fail(err)
		}
	}

	debug.LogKV("harness", "spawned agent", "handle_id", h.ID, "command", cfg.Command, "pid", cmd.Process.Pid, "interactive", cfg.Interactive)
	cfg.Hooks.EmitProcessStarted(events.ProcessStarted{
		HandleID: h.ID,
		PID:      cmd.Process.Pid,
		Command:  cfg.Command,
		Args:     cfg.Args,
		WorkDir:  cfg.WorkDir,
		Time:     time.Now().UTC(),
	})

	parseCtx, cancelParse := context.WithCancel(context.Background())
	h.cancelParse = cancelParse

	// The peer gets a blocking feed; observers get a lossy buffered copy so
	// a slow consumer can never stall the protocol loop.
	peerIn := make(chan wire.RawEvent, 64)
	h.readers.Add(1)
	go h.tee(wire.Parse(parseCtx, stdout), peerIn)

	if stderr != nil {
		h.readers.Add(1)
		go h.drainStderr(stderr)
	}

	var stdinW io.Writer = io.Discard
	if stdin != nil {
		stdinW = stdin
	}
	h.peer, err = peer.New(cfg.Variant, peer.Options{
		Stdin:       stdinW,
		Events:      peerIn,
		Store:       h.store,
		Broker:      h.broker,
		AutoApprove: cfg.AutoApprove,
		Resume:      cfg.Resume,
		OnEvent: func(ev wire.RawEvent) {
			if !eventq.Offer(h.events, ev) {
				debug.LogKV("harness", "observer channel full, dropping event", "handle_id", h.ID, "event_type", ev.Parsed.Type)
			}
		},
		OnSessionID: func(id string) {
			cfg.Hooks.EmitSessionID(events.SessionIdentified{HandleID: h.ID, SessionID: id, Time: time.Now().UTC()})
		},
		OnReady: func() {
			h.setState(StateReady)
			cfg.Hooks.EmitReady(events.Ready{HandleID: h.ID, Time: time.Now().UTC()})
		},
		OnStreamError: func(err error) {
			cfg.Hooks.EmitStreamError(events.StreamError{HandleID: h.ID, Err: err, Time: time.Now().UTC()})
		},
	})
	if err != nil {
		h.killGroup()
		return nil, err
	}

	h.setState(StateStarting)
	go h.watchExit()

	if !cfg.Interactive {
		return h, nil
	}
	if err := h.awaitStartup(ctx); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Prompt) != "" {
		if err := h.SendInput(ctx, cfg.Prompt, nil); err != nil {
			return h, fmt.Errorf("sending initial prompt: %w", err)
		}
	}
	return h, nil
}

// setupProcessGroup starts the child in its own process group so teardown
// can kill the whole tree. Node-based CLIs spawn children that would
// otherwise hold the pipes open and hang Wait.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	setupCancel(cmd)
}

func setupCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

// tee forwards parsed events to the peer, blocking. The observer channel is
// closed by watchExit once the peer has drained everything queued here.
func (h *Handle) tee(src <-chan wire.RawEvent, peerIn chan<- wire.RawEvent) {
	defer h.readers.Done()
	for ev := range src {
		if ev.Err != nil && len(ev.Raw) == 0 {
			// Scanner-level failure with no line to file, such as an
			// oversized line.
			h.cfg.Hooks.EmitStreamError(events.StreamError{HandleID: h.ID, Err: ev.Err, Time: time.Now().UTC()})
		}
		peerIn <- ev
	}
	close(peerIn)
}

func (h *Handle) drainStderr(r io.Reader) {
	defer h.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)
	for scanner.Scan() {
		h.store.PushStderr(scanner.Text() + "\n")
	}
}

// awaitStartup runs the handshake and waits for readiness. On any failure
// the child is killed before returning.
func (h *Handle) awaitStartup(ctx context.Context) error {
	timeout := h.cfg.startupTimeout()
	startupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startupErr := make(chan error, 1)
	go func() {
		if err := h.peer.Initialize(startupCtx); err != nil {
			startupErr <- err
			return
		}
		startupErr <- h.peer.WaitForReady(startupCtx, timeout)
	}()

	select {
	case err := <-startupErr:
		if err == nil {
			return nil
		}
		h.killGroup()
		<-h.exitCh
		if startupCtx.Err() == context.DeadlineExceeded {
			return &StartupTimeoutError{Command: h.cfg.Command, Timeout: timeout}
		}
		return &SpawnError{Command: h.cfg.Command, Err: err, Stderr: h.stderrTail()}
	case <-h.exitCh:
		return &SpawnError{
			Command: h.cfg.Command,
			Err:     fmt.Errorf("process exited with code %d during startup", h.ExitCode()),
			Stderr:  h.stderrTail(),
		}
	}
}

// stderrTail returns the last captured stderr lines for error reporting.
func (h *Handle) stderrTail() string {
	var lines []string
	for _, m := range h.store.History() {
		if m.Kind == msgstore.KindStderr {
			lines = append(lines, strings.TrimRight(m.Text, "\n"))
		}
	}
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	return strings.Join(lines, "\n")
}

// watchExit reaps the child exactly once and tears down everything that
// depends on it: pending approvals are denied, the peer closes, the store
// is finalized, and waiters are released.
func (h *Handle) watchExit() {
	// The pipes EOF when the child dies; drain them before Wait so it does
	// not close the read ends under the drain goroutines and drop output.
	// A grandchild holding a pipe open caps the wait; WaitDelay covers the
	// rest.
	readersDone := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(readersDone)
	}()
	select {
	case <-readersDone:
	case <-time.After(2 * time.Minute):
	}

	// The peer may still be working through events queued between tee and
	// its loop. Final result patches must land in the store before it is
	// finalized, so wait for the loop to drain.
	select {
	case <-h.peer.Done():
	case <-time.After(30 * time.Second):
	}

	err := h.cmd.Wait()
	h.stopProc()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.mu.Unlock()

	debug.LogKV("harness", "agent exited", "handle_id", h.ID, "code", code, "err", err)

	h.broker.CancelAll("process exited")
	h.peer.Close()
	h.cancelParse()
	close(h.events)
	h.store.PushFinished()
	h.setState(StateExited)
	close(h.exitCh)

	h.cfg.Hooks.EmitExited(events.Exited{
		HandleID: h.ID,
		ExitCode: code,
		Err:      err,
		Time:     time.Now().UTC(),
	})
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	if h.state == StateExited || h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	close(h.stateCh)
	h.stateCh = make(chan struct{})
	h.mu.Unlock()
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// WaitForState blocks until the handle reaches the wanted state or ctx is
// done.
func (h *Handle) WaitForState(ctx context.Context, want State) error {
	for {
		h.mu.Lock()
		s := h.state
		ch := h.stateCh
		h.mu.Unlock()
		if s == want {
			return nil
		}
		if s == StateExited {
			return fmt.Errorf("process exited while waiting for state %s", want)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendInput delivers a user turn to an interactive agent. It waits for the
// agent to be ready before writing, so turns queue naturally rather than
// interleaving.
func (h *Handle) SendInput(ctx context.Context, text string, atts []wire.Attachment) error {
	if !h.cfg.Interactive {
		return ErrUnsupportedOperation
	}
	if h.State() == StateExited {
		return fmt.Errorf("process has exited")
	}
	if err := h.peer.WaitForReady(ctx, h.cfg.startupTimeout()); err != nil {
		return err
	}
	// Flip state before the write: a fast reply fires the ready callback
	// immediately, and it must land after this transition, not before.
	h.setState(StateProcessing)
	if err := h.peer.SendUserMessage(ctx, text, atts); err != nil {
		h.setState(StateReady)
		return err
	}
	return nil
}

// Interrupt stops the current turn. Interactive agents get a protocol
// interrupt and return to ready; non-interactive agents get SIGTERM with a
// grace period before SIGKILL.
func (h *Handle) Interrupt(ctx context.Context) error {
	if h.State() == StateExited {
		return nil
	}

	if !h.cfg.Interactive {
		if h.cmd.Process != nil {
			_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
		}
		select {
		case <-h.exitCh:
			return nil
		case <-time.After(interruptGrace):
			h.killGroup()
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-h.exitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	h.setState(StateInterrupting)
	err := h.peer.Interrupt(ctx)
	if err == nil {
		err = h.peer.WaitForReady(ctx, h.cfg.startupTimeout())
	}
	if err == nil {
		// When the agent never left ready the gate opens immediately and
		// the ready callback does not fire, so transition here.
		h.setState(StateReady)
	}
	return err
}

// Kill force-terminates the process group and waits for the reaper.
func (h *Handle) Kill() {
	h.killGroup()
	<-h.exitCh
}

func (h *Handle) killGroup() {
	if h.cmd.Process != nil {
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	}
	h.stopProc()
}

// Wait blocks until the process exits or ctx is done, returning the exit
// code.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.exitCh:
		return h.ExitCode(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ExitCode returns the process exit code, valid once the handle is exited.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Events is the lossy observer feed of opaque agent events. It closes when
// the process's output stream ends.
func (h *Handle) Events() <-chan wire.RawEvent { return h.events }

// Store is the message log for this process.
func (h *Handle) Store() *msgstore.Store { return h.store }

// Broker is the approval broker for this process.
func (h *Handle) Broker() *approval.Broker { return h.broker }

// SetPermissionMode forwards a permission mode change to the agent.
func (h *Handle) SetPermissionMode(ctx context.Context, mode string) error {
	return h.peer.SetPermissionMode(ctx, mode)
}

// SessionID returns the agent-assigned session id, or "".
func (h *Handle) SessionID() string { return h.peer.SessionID() }

// PID returns the child's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// SpawnFollowUp spawns a fresh process that resumes a previous agent
// session. Spawn routes the session id through the protocol variant's resume
// mechanism.
func SpawnFollowUp(ctx context.Context, cfg Config, sessionID string) (*Handle, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("no session id to resume")
	}
	cfg.Resume = sessionID
	return Spawn(ctx, cfg)
}
