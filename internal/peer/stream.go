package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfold/warden/internal/approval"
	"github.com/agentfold/warden/internal/debug"
	"github.com/agentfold/warden/internal/wire"
)

// ControlPeer speaks the line-delimited control protocol of stream-json
// agent CLIs: inbound control_request lines carry permission checks and hook
// callbacks, outbound control_request lines carry initialize,
// set_permission_mode, and interrupt, and every request in either direction
// is acknowledged by a control_response correlated on request_id.
type ControlPeer struct {
	opts Options
	w    *lineWriter
	gate *readyGate

	runCtx context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	pending     map[string]chan *wire.ResponseBody
	seq         int
	sessionID   string
	initialized bool

	closeOnce sync.Once
	done      chan struct{}
	loopDone  chan struct{}
}

// NewControlPeer starts a control peer over the given process streams. The
// event loop runs until the Events channel closes or Close is called.
func NewControlPeer(opts Options) *ControlPeer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &ControlPeer{
		opts:     opts,
		w:        &lineWriter{w: opts.Stdin},
		gate:     newReadyGate(),
		runCtx:   ctx,
		cancel:   cancel,
		pending:  make(map[string]chan *wire.ResponseBody),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *ControlPeer) run() {
	defer close(p.loopDone)
	defer p.Close()
	for ev := range p.opts.Events {
		if ev.Err != nil {
			// Not JSON. The agent wrote plain diagnostics to stdout; keep
			// them in the log rather than dropping the line.
			if len(ev.Raw) > 0 {
				p.opts.Store.PushStdout(string(ev.Raw) + "\n")
			}
			continue
		}

		req, resp, err := wire.DecodeControl(ev.Raw)
		if err != nil {
			debug.LogKV("peer", "malformed control line", "err", err)
			p.opts.Store.PushStdout(string(ev.Raw) + "\n")
			continue
		}
		switch {
		case req != nil:
			p.handleInbound(req)
		case resp != nil:
			p.resolvePending(&resp.Response)
		default:
			p.handleAgentEvent(ev)
		}
	}
}

// handleInbound dispatches a request issued by the agent.
func (p *ControlPeer) handleInbound(req *wire.ControlRequest) {
	switch req.Request.Subtype {
	case wire.SubtypeCanUseTool:
		// The broker may block for the full approval timeout; answer from
		// a separate goroutine so the event loop keeps draining.
		go p.answerToolRequest(req)

	case wire.SubtypeHookCallback:
		result := wire.HookResult{Decision: "ask"}
		if p.opts.AutoApprove || req.Request.CallbackID == p.opts.allowedCallbackID() {
			result.Decision = "allow"
		}
		p.respond(req.RequestID, result, "")

	default:
		p.respond(req.RequestID, nil, fmt.Sprintf("unsupported request subtype %q", req.Request.Subtype))
	}
}

func (p *ControlPeer) answerToolRequest(req *wire.ControlRequest) {
	d := p.opts.Broker.Request(p.runCtx, req.Request.ToolName, req.Request.Input, req.Request.ToolUseID)

	var result wire.PermissionResult
	switch d.Status {
	case approval.StatusApproved:
		result = wire.AllowResult(req.Request.Input)
	case approval.StatusTimeout:
		result = wire.DenyResult("Approval request timed out")
	default:
		reason := d.Reason
		if reason == "" {
			reason = "Denied"
		}
		result = wire.DenyResult(reason)
	}
	p.respond(req.RequestID, result, "")
}

// respond writes a control_response for an agent-issued request.
func (p *ControlPeer) respond(requestID string, result any, respErr string) {
	line, err := wire.EncodeControlResponse(requestID, result, respErr)
	if err != nil {
		debug.LogKV("peer", "encode control response failed", "err", err)
		return
	}
	if err := p.w.WriteLine(line); err != nil {
		debug.LogKV("peer", "write control response failed", "err", err)
		if p.opts.OnStreamError != nil {
			p.opts.OnStreamError(err)
		}
	}
}

// resolvePending completes an outbound request awaiting its ack.
func (p *ControlPeer) resolvePending(body *wire.ResponseBody) {
	p.mu.Lock()
	ch, ok := p.pending[body.RequestID]
	if ok {
		delete(p.pending, body.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		debug.LogKV("peer", "unmatched control response", "request_id", body.RequestID)
		return
	}
	ch <- body
}

// handleAgentEvent files an opaque (non-control) agent event.
func (p *ControlPeer) handleAgentEvent(ev wire.RawEvent) {
	p.opts.Store.PushPatch(ev.Raw)

	switch {
	case ev.Parsed.Type == "system" && ev.Parsed.Subtype == "init":
		p.latchSessionID(ev.Parsed.SessionID)
		p.markReady()
	case ev.Parsed.Type == "result":
		p.markReady()
	}

	if p.opts.OnEvent != nil {
		p.opts.OnEvent(ev)
	}
}

func (p *ControlPeer) latchSessionID(id string) {
	if id == "" {
		return
	}
	p.mu.Lock()
	if p.sessionID != "" {
		p.mu.Unlock()
		return
	}
	p.sessionID = id
	p.mu.Unlock()

	p.opts.Store.PushSessionID(id)
	if p.opts.OnSessionID != nil {
		p.opts.OnSessionID(id)
	}
}

func (p *ControlPeer) markReady() {
	wasReady := p.gate.isReady()
	p.gate.markReady()
	if !wasReady {
		p.opts.Store.PushReady()
		if p.opts.OnReady != nil {
			p.opts.OnReady()
		}
	}
}

// request issues an outbound control_request and waits for its ack.
func (p *ControlPeer) request(ctx context.Context, body wire.RequestBody) (*wire.ResponseBody, error) {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("req_%d_%s", p.seq, uuid.NewString()[:8])
	ch := make(chan *wire.ResponseBody, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	drop := func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}

	line, err := wire.EncodeControlRequest(id, body)
	if err != nil {
		drop()
		return nil, err
	}
	if err := p.w.WriteLine(line); err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(p.opts.ackTimeout())
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Subtype == wire.SubtypeError {
			return nil, fmt.Errorf("agent rejected %s request: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		drop()
		return nil, fmt.Errorf("timed out waiting for %s acknowledgement", body.Subtype)
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	case <-p.done:
		drop()
		return nil, fmt.Errorf("peer closed while awaiting %s acknowledgement", body.Subtype)
	}
}

// Initialize performs the handshake: register hooks, pause, then set the
// agent-side permission mode so all tool decisions route through the
// control channel. The pauses give the CLI time to apply each control
// change before the next one arrives.
func (p *ControlPeer) Initialize(ctx context.Context) error {
	hooks, err := json.Marshal(map[string]any{
		"SessionStart": []map[string]any{
			{"hookCallbackIds": []string{p.opts.allowedCallbackID()}},
		},
	})
	if err != nil {
		return err
	}

	if _, err := p.request(ctx, wire.RequestBody{
		Subtype: wire.SubtypeInitialize,
		Hooks:   hooks,
	}); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if err := sleepCtx(ctx, p.opts.settleDelay()); err != nil {
		return err
	}

	if _, err := p.request(ctx, wire.RequestBody{
		Subtype: wire.SubtypeSetPermissionMode,
		Mode:    "default",
	}); err != nil {
		return fmt.Errorf("set initial permission mode: %w", err)
	}
	if err := sleepCtx(ctx, p.opts.settleDelay()); err != nil {
		return err
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	debug.Log("peer", "control handshake complete")
	return nil
}

// SendUserMessage writes one user turn. The peer is marked busy until the
// agent's next result event.
func (p *ControlPeer) SendUserMessage(ctx context.Context, text string, atts []wire.Attachment) error {
	p.mu.Lock()
	ok := p.initialized
	p.mu.Unlock()
	if !ok {
		return ErrNotInitialized
	}

	line, err := wire.EncodeUserMessage(text, atts)
	if err != nil {
		return err
	}
	p.gate.markBusy()
	if err := p.w.WriteLine(line); err != nil {
		p.gate.markReady()
		return err
	}
	return nil
}

// Interrupt asks the agent to stop the current turn and waits for the ack.
func (p *ControlPeer) Interrupt(ctx context.Context) error {
	_, err := p.request(ctx, wire.RequestBody{Subtype: wire.SubtypeInterrupt})
	return err
}

// SetPermissionMode switches the agent-side permission mode.
func (p *ControlPeer) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := p.request(ctx, wire.RequestBody{
		Subtype: wire.SubtypeSetPermissionMode,
		Mode:    mode,
	})
	return err
}

// WaitForReady blocks until the agent reports readiness.
func (p *ControlPeer) WaitForReady(ctx context.Context, timeout time.Duration) error {
	return p.gate.wait(ctx, timeout)
}

// SessionID returns the agent-assigned session id, or "".
func (p *ControlPeer) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Done closes once the event loop has drained the agent's stream.
func (p *ControlPeer) Done() <-chan struct{} { return p.loopDone }

// Close stops the peer. In-flight outbound requests fail and blocked
// WaitForReady callers return.
func (p *ControlPeer) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.done)
		p.gate.close()
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
