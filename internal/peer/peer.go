// Package peer implements the harness side of the agent control protocols.
// A peer consumes the decoded event stream of one agent process, answers the
// agent's inbound requests (permission checks, hook callbacks), issues
// outbound requests (initialize, user turns, interrupts), and tracks the
// agent's readiness and session identity.
//
// Two concrete peers exist: ControlPeer speaks the line-delimited
// control_request/control_response protocol of stream-json CLIs, and
// RPCPeer speaks JSON-RPC 2.0 over stdio for ACP-style agents.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/agentfold/warden/internal/approval"
	"github.com/agentfold/warden/internal/msgstore"
	"github.com/agentfold/warden/internal/wire"
)

// Variant selects the wire protocol a peer speaks.
type Variant string

const (
	VariantControl Variant = "control"
	VariantJSONRPC Variant = "jsonrpc"
)

// ErrUnsupported is returned by operations a protocol variant cannot express.
var ErrUnsupported = errors.New("operation not supported by this protocol")

// ErrNotInitialized is returned when a turn is sent before initialization
// completed.
var ErrNotInitialized = errors.New("peer not initialized")

// DefaultSettleDelay is the pause between initialization steps, giving the
// agent time to apply one control change before the next arrives.
const DefaultSettleDelay = 100 * time.Millisecond

// DefaultAckTimeout bounds how long an outbound request waits for its ack.
const DefaultAckTimeout = 30 * time.Second

// DefaultCallbackID is the hook callback allowed without an approval round
// trip when no explicit allow-list is configured.
const DefaultCallbackID = "session_start"

// Peer is the protocol-facing surface of one supervised agent.
type Peer interface {
	// Initialize performs the protocol handshake. It must complete before
	// SendUserMessage is called.
	Initialize(ctx context.Context) error

	// SendUserMessage writes one user turn to the agent.
	SendUserMessage(ctx context.Context, text string, atts []wire.Attachment) error

	// Interrupt asks the agent to stop the current turn.
	Interrupt(ctx context.Context) error

	// SetPermissionMode switches the agent-side permission mode. Variants
	// without such a concept return ErrUnsupported.
	SetPermissionMode(ctx context.Context, mode string) error

	// WaitForReady blocks until the agent is ready for input, the timeout
	// elapses, or ctx is done.
	WaitForReady(ctx context.Context, timeout time.Duration) error

	// SessionID returns the agent-assigned session identifier, or "" if the
	// agent has not announced one yet.
	SessionID() string

	// Done closes once the peer's event loop has drained the agent's
	// stream. After Done, no further store pushes or OnEvent callbacks
	// originate from the loop.
	Done() <-chan struct{}

	// Close releases the peer. Pending outbound requests fail; the ready
	// gate opens so blocked waiters return.
	Close()
}

// Options configures a peer. Stdin, Events, Store, and Broker are required.
type Options struct {
	// Stdin is the agent process's input. Writes are serialized by the peer.
	Stdin io.Writer

	// Events is the decoded stdout stream of the agent process.
	Events <-chan wire.RawEvent

	// Store receives the peer's projection of the conversation.
	Store *msgstore.Store

	// Broker resolves inbound permission requests.
	Broker *approval.Broker

	// AutoApprove short-circuits hook callbacks without consulting the
	// broker's mode. Tool permission checks always go through the broker.
	AutoApprove bool

	// AllowedCallbackID names a hook callback that is allowed inline, with
	// no approval round trip. Empty selects DefaultCallbackID.
	AllowedCallbackID string

	// Resume carries a previous session id for protocols that reload
	// sessions during the handshake.
	Resume string

	// OnEvent observes every opaque agent event after the peer has filed it.
	OnEvent func(wire.RawEvent)

	// OnSessionID fires once when the agent announces its session id.
	OnSessionID func(id string)

	// OnReady fires on each transition to ready.
	OnReady func()

	// OnStreamError fires when the peer fails to deliver a protocol
	// response to the agent. These failures have no caller to return to,
	// so they surface here instead.
	OnStreamError func(err error)

	// SettleDelay overrides DefaultSettleDelay; AckTimeout overrides
	// DefaultAckTimeout. Zero selects the default.
	SettleDelay time.Duration
	AckTimeout  time.Duration
}

func (o *Options) settleDelay() time.Duration {
	if o.SettleDelay > 0 {
		return o.SettleDelay
	}
	return DefaultSettleDelay
}

func (o *Options) ackTimeout() time.Duration {
	if o.AckTimeout > 0 {
		return o.AckTimeout
	}
	return DefaultAckTimeout
}

func (o *Options) allowedCallbackID() string {
	if o.AllowedCallbackID != "" {
		return o.AllowedCallbackID
	}
	return DefaultCallbackID
}

// New constructs the peer for the given protocol variant.
func New(variant Variant, opts Options) (Peer, error) {
	switch variant {
	case VariantControl, "":
		return NewControlPeer(opts), nil
	case VariantJSONRPC:
		return NewRPCPeer(opts), nil
	}
	return nil, fmt.Errorf("unknown protocol variant %q", variant)
}

// WriteError wraps a failed stdin write so callers can tell transport
// failures from protocol errors.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("writing to agent stdin: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// lineWriter serializes newline-terminated writes to the agent's stdin.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) WriteLine(line []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(line); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// readyGate is a reusable latch: markBusy closes the gate, markReady opens
// it and wakes all waiters. A closed peer reports ready permanently so
// waiters do not hang on a dead process.
type readyGate struct {
	mu     sync.Mutex
	ready  bool
	closed bool
	waitCh chan struct{}
}

func newReadyGate() *readyGate {
	return &readyGate{waitCh: make(chan struct{})}
}

func (g *readyGate) markReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return
	}
	g.ready = true
	close(g.waitCh)
}

func (g *readyGate) markBusy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.ready {
		return
	}
	g.ready = false
	g.waitCh = make(chan struct{})
}

func (g *readyGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if !g.ready {
		g.ready = true
		close(g.waitCh)
	}
}

func (g *readyGate) isReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *readyGate) wait(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return nil
	}
	ch := g.waitCh
	g.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ch:
		return nil
	case <-timer:
		return fmt.Errorf("timed out after %s waiting for agent to become ready", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
