// Package approval decides whether a tool call requested by the agent may
// proceed. A broker runs in manual mode (a human resolves each request,
// bounded by a timeout) or auto mode (everything is approved immediately).
// Every request resolves exactly once: by response, by timeout, or by
// CancelAll when the owning session tears down.
package approval

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfold/warden/internal/debug"
)

// Mode selects the broker's approval policy.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// Status is the terminal state of one approval request.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimeout  Status = "timeout"
)

// DefaultTimeout bounds how long a manual request stays pending.
const DefaultTimeout = 60 * time.Second

// Request describes one pending permission decision.
type Request struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decision is the outcome delivered to the caller of Request.
type Decision struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Signals is the broker's fixed set of typed notifications. Nil fields are
// skipped. Callbacks run on the goroutine that triggered them and must not
// block.
type Signals struct {
	Request      func(Request)
	Response     func(Request, Decision)
	AutoApproved func(Request)
	ModeChanged  func(old, new Mode)
}

type pendingRequest struct {
	req   Request
	done  chan Decision
	timer *time.Timer
}

// Broker tracks in-flight approval requests for one supervised process.
type Broker struct {
	mu      sync.Mutex
	mode    Mode
	timeout time.Duration
	pending map[string]*pendingRequest
	signals Signals
}

// New creates a broker. A non-positive timeout selects DefaultTimeout; an
// empty mode selects manual.
func New(mode Mode, timeout time.Duration, signals Signals) *Broker {
	if mode == "" {
		mode = ModeManual
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		mode:    mode,
		timeout: timeout,
		pending: make(map[string]*pendingRequest),
		signals: signals,
	}
}

// Request asks for permission to run a tool and blocks until the request is
// resolved. In auto mode it returns approved immediately and never registers
// a pending entry. In manual mode resolution comes from Resolve (human
// response or CancelAll), from the per-request timeout, or from ctx
// cancellation; all paths funnel through Resolve so there is exactly one
// resolution mechanism.
func (b *Broker) Request(ctx context.Context, tool string, input json.RawMessage, toolUseID string) Decision {
	req := Request{
		ID:        uuid.NewString(),
		Tool:      tool,
		Input:     input,
		ToolUseID: toolUseID,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	if b.mode == ModeAuto {
		b.mu.Unlock()
		debug.LogKV("approval", "auto-approved", "tool", tool, "request_id", req.ID)
		if b.signals.AutoApproved != nil {
			b.signals.AutoApproved(req)
		}
		return Decision{Status: StatusApproved, Reason: "Auto-approved"}
	}

	entry := &pendingRequest{
		req:  req,
		done: make(chan Decision, 1),
	}
	entry.timer = time.AfterFunc(b.timeout, func() {
		b.Resolve(req.ID, StatusTimeout, "timed out")
	})
	b.pending[req.ID] = entry
	b.mu.Unlock()

	debug.LogKV("approval", "request pending", "tool", tool, "request_id", req.ID)
	if b.signals.Request != nil {
		b.signals.Request(req)
	}

	select {
	case d := <-entry.done:
		return d
	case <-ctx.Done():
		// Resolve is a no-op if a response raced us; either way the entry
		// has been handed its one decision by the time we read done.
		b.Resolve(req.ID, StatusDenied, "context canceled")
		return <-entry.done
	}
}

// Resolve completes the pending request with the given status. It returns
// false if the id is unknown or already resolved; the first resolution wins
// and later calls change nothing.
func (b *Broker) Resolve(id string, status Status, reason string) bool {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	b.mu.Unlock()

	entry.timer.Stop()
	d := Decision{Status: status, Reason: reason}
	entry.done <- d

	debug.LogKV("approval", "resolved", "request_id", id, "status", status)
	if b.signals.Response != nil {
		b.signals.Response(entry.req, d)
	}
	return true
}

// CancelAll force-resolves every pending request as denied with the given
// reason. Requests registered after CancelAll begins are unaffected.
func (b *Broker) CancelAll(reason string) {
	b.mu.Lock()
	entries := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		d := Decision{Status: StatusDenied, Reason: reason}
		entry.done <- d
		if b.signals.Response != nil {
			b.signals.Response(entry.req, d)
		}
	}
	if len(entries) > 0 {
		debug.LogKV("approval", "cancelled all pending", "count", len(entries), "reason", reason)
	}
}

// SetMode switches the approval policy at runtime. Pending manual requests
// are not retroactively resolved; only new requests see the new mode.
func (b *Broker) SetMode(mode Mode) {
	b.mu.Lock()
	old := b.mode
	b.mode = mode
	b.mu.Unlock()

	if old != mode && b.signals.ModeChanged != nil {
		b.signals.ModeChanged(old, mode)
	}
}

// CurrentMode returns the active approval policy.
func (b *Broker) CurrentMode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// HasPending reports whether any request is awaiting resolution.
func (b *Broker) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// PendingApprovals returns the unresolved requests, oldest first.
func (b *Broker) PendingApprovals() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	reqs := make([]Request, 0, len(b.pending))
	for _, entry := range b.pending {
		reqs = append(reqs, entry.req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs
}
