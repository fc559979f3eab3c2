package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentfold/warden/internal/approval"
	"github.com/agentfold/warden/internal/debug"
	"github.com/agentfold/warden/internal/wire"
)

// supportedProtocolVersion is the ACP revision this client negotiates.
const supportedProtocolVersion = 1

// rpcMessage is a JSON-RPC 2.0 message in either direction. A request has
// Method and ID, a notification has Method without ID, and a response has
// Result or Error with the originating ID.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// permissionOption is one choice offered by a session/request_permission
// request.
type permissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// RPCPeer speaks JSON-RPC 2.0 over the agent's stdio, following the
// initialize / session lifecycle of ACP-style agents. Prompt turns run
// asynchronously: the prompt response (carrying a stopReason) marks the end
// of the turn, while session/update notifications stream progress in
// between.
type RPCPeer struct {
	opts Options
	w    *lineWriter
	gate *readyGate

	runCtx context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	pending     map[int64]chan *rpcMessage
	seq         int64
	sessionID   string
	initialized bool

	closeOnce sync.Once
	done      chan struct{}
	loopDone  chan struct{}
}

// NewRPCPeer starts a JSON-RPC peer over the given process streams.
func NewRPCPeer(opts Options) *RPCPeer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &RPCPeer{
		opts:     opts,
		w:        &lineWriter{w: opts.Stdin},
		gate:     newReadyGate(),
		runCtx:   ctx,
		cancel:   cancel,
		pending:  make(map[int64]chan *rpcMessage),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *RPCPeer) run() {
	defer close(p.loopDone)
	defer p.Close()
	for ev := range p.opts.Events {
		if len(ev.Raw) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(ev.Raw, &msg); err != nil || msg.JSONRPC != "2.0" {
			p.opts.Store.PushStdout(string(ev.Raw) + "\n")
			continue
		}

		switch {
		case msg.Method != "" && msg.ID != nil:
			p.handleRequest(&msg)
		case msg.Method != "":
			p.handleNotification(&msg, ev.Raw)
		case msg.ID != nil:
			p.resolvePending(&msg)
		}
	}
}

// handleRequest answers a request issued by the agent.
func (p *RPCPeer) handleRequest(msg *rpcMessage) {
	switch msg.Method {
	case "session/request_permission":
		go p.answerPermission(msg)
	default:
		p.respondError(*msg.ID, -32601, "Method not found")
	}
}

func (p *RPCPeer) answerPermission(msg *rpcMessage) {
	var params struct {
		SessionID string `json:"sessionId"`
		ToolCall  struct {
			ToolCallID string          `json:"toolCallId"`
			Title      string          `json:"title,omitempty"`
			Kind       string          `json:"kind,omitempty"`
			RawInput   json.RawMessage `json:"rawInput,omitempty"`
		} `json:"toolCall"`
		Options []permissionOption `json:"options"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		p.respondError(*msg.ID, -32602, "Invalid params")
		return
	}

	tool := params.ToolCall.Title
	if tool == "" {
		tool = params.ToolCall.Kind
	}
	d := p.opts.Broker.Request(p.runCtx, tool, params.ToolCall.RawInput, params.ToolCall.ToolCallID)

	var outcome map[string]any
	if d.Status == approval.StatusApproved {
		outcome = map[string]any{
			"outcome":  "selected",
			"optionId": pickOption(params.Options, "allow"),
		}
	} else {
		outcome = map[string]any{
			"outcome":  "selected",
			"optionId": pickOption(params.Options, "reject"),
		}
	}
	p.respondOK(*msg.ID, map[string]any{"outcome": outcome})
}

// pickOption selects the offered option whose kind matches the decision,
// falling back to the literal decision when the agent offered none.
func pickOption(opts []permissionOption, want string) string {
	for _, o := range opts {
		if strings.HasPrefix(o.Kind, want) {
			return o.OptionID
		}
	}
	return want
}

// handleNotification files a server-initiated notification.
func (p *RPCPeer) handleNotification(msg *rpcMessage, raw []byte) {
	switch msg.Method {
	case "session/update":
		p.opts.Store.PushPatch(raw)
		if p.opts.OnEvent != nil {
			p.opts.OnEvent(wire.RawEvent{Raw: raw})
		}
	default:
		debug.LogKV("peer", "unhandled rpc notification", "method", msg.Method)
		p.opts.Store.PushPatch(raw)
	}
}

func (p *RPCPeer) resolvePending(msg *rpcMessage) {
	p.mu.Lock()
	ch, ok := p.pending[*msg.ID]
	if ok {
		delete(p.pending, *msg.ID)
	}
	p.mu.Unlock()
	if !ok {
		debug.LogKV("peer", "unmatched rpc response", "id", *msg.ID)
		return
	}
	ch <- msg
}

func (p *RPCPeer) respondOK(id int64, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		debug.LogKV("peer", "encode rpc result failed", "err", err)
		return
	}
	p.respond(rpcMessage{JSONRPC: "2.0", ID: &id, Result: payload})
}

func (p *RPCPeer) respondError(id int64, code int, message string) {
	p.respond(rpcMessage{JSONRPC: "2.0", ID: &id, Error: &rpcError{Code: code, Message: message}})
}

// respond writes an answer to an agent-issued request. There is no caller to
// hand a failure back to, so it goes through OnStreamError.
func (p *RPCPeer) respond(msg rpcMessage) {
	if err := p.writeMsg(msg); err != nil && p.opts.OnStreamError != nil {
		p.opts.OnStreamError(err)
	}
}

func (p *RPCPeer) notify(method string, params any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return p.writeMsg(rpcMessage{JSONRPC: "2.0", Method: method, Params: payload})
}

func (p *RPCPeer) writeMsg(msg rpcMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		debug.LogKV("peer", "encode rpc message failed", "err", err)
		return err
	}
	if err := p.w.WriteLine(append(line, '\n')); err != nil {
		debug.LogKV("peer", "write rpc message failed", "err", err)
		return err
	}
	return nil
}

// call issues a request and waits for the matching response.
func (p *RPCPeer) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	p.seq++
	id := p.seq
	ch := make(chan *rpcMessage, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	drop := func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}

	payload, err := json.Marshal(params)
	if err != nil {
		drop()
		return nil, err
	}
	if err := p.writeMsg(rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: payload}); err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(p.opts.ackTimeout())
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		drop()
		return nil, fmt.Errorf("timed out waiting for %s response", method)
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	case <-p.done:
		drop()
		return nil, fmt.Errorf("peer closed while awaiting %s response", method)
	}
}

// Initialize negotiates the protocol version and then creates a session, or
// loads the one named by Resume. The session id from the handshake is
// latched and the peer becomes ready.
func (p *RPCPeer) Initialize(ctx context.Context) error {
	result, err := p.call(ctx, "initialize", map[string]any{
		"protocolVersion": supportedProtocolVersion,
		"clientCapabilities": map[string]any{
			"fs": map[string]bool{"readTextFile": false, "writeTextFile": false},
		},
	})
	if err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	var initResp struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	if err := json.Unmarshal(result, &initResp); err != nil {
		return fmt.Errorf("decoding initialize response: %w", err)
	}
	if initResp.ProtocolVersion != supportedProtocolVersion {
		return fmt.Errorf("agent negotiated unsupported protocol version %d", initResp.ProtocolVersion)
	}

	var sid string
	if p.opts.Resume != "" {
		if _, err := p.call(ctx, "session/load", map[string]any{
			"sessionId":  p.opts.Resume,
			"cwd":        "",
			"mcpServers": []any{},
		}); err != nil {
			return fmt.Errorf("loading session %s: %w", p.opts.Resume, err)
		}
		sid = p.opts.Resume
	} else {
		result, err := p.call(ctx, "session/new", map[string]any{
			"cwd":        "",
			"mcpServers": []any{},
		})
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		var newResp struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(result, &newResp); err != nil {
			return fmt.Errorf("decoding session/new response: %w", err)
		}
		sid = newResp.SessionID
	}

	p.mu.Lock()
	p.sessionID = sid
	p.initialized = true
	p.mu.Unlock()

	if sid != "" {
		p.opts.Store.PushSessionID(sid)
		if p.opts.OnSessionID != nil {
			p.opts.OnSessionID(sid)
		}
	}
	p.markReady()
	debug.LogKV("peer", "rpc handshake complete", "session_id", sid)
	return nil
}

// SendUserMessage starts a prompt turn. It returns as soon as the request is
// on the wire; the turn ends when the agent's prompt response arrives, which
// reopens the ready gate.
func (p *RPCPeer) SendUserMessage(ctx context.Context, text string, atts []wire.Attachment) error {
	p.mu.Lock()
	ok := p.initialized
	sid := p.sessionID
	p.mu.Unlock()
	if !ok {
		return ErrNotInitialized
	}

	blocks := make([]map[string]any, 0, len(atts)+1)
	for _, att := range atts {
		blocks = append(blocks, map[string]any{
			"type":     "image",
			"data":     att.Data,
			"mimeType": att.MediaType,
		})
	}
	if text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}

	p.gate.markBusy()
	go func() {
		result, err := p.call(p.runCtx, "session/prompt", map[string]any{
			"sessionId": sid,
			"prompt":    blocks,
		})
		if err != nil {
			debug.LogKV("peer", "prompt turn failed", "err", err)
		} else if len(result) > 0 {
			p.opts.Store.PushPatch(result)
		}
		p.markReady()
	}()
	return nil
}

// Interrupt sends the session/cancel notification. The in-flight prompt
// response (stopReason cancelled) ends the turn.
func (p *RPCPeer) Interrupt(ctx context.Context) error {
	p.mu.Lock()
	sid := p.sessionID
	p.mu.Unlock()
	return p.notify("session/cancel", map[string]any{"sessionId": sid})
}

// SetPermissionMode has no JSON-RPC equivalent.
func (p *RPCPeer) SetPermissionMode(ctx context.Context, mode string) error {
	return ErrUnsupported
}

// WaitForReady blocks until the current prompt turn finishes.
func (p *RPCPeer) WaitForReady(ctx context.Context, timeout time.Duration) error {
	return p.gate.wait(ctx, timeout)
}

// SessionID returns the handshake's session id, or "".
func (p *RPCPeer) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Done closes once the event loop has drained the agent's stream.
func (p *RPCPeer) Done() <-chan struct{} { return p.loopDone }

func (p *RPCPeer) markReady() {
	wasReady := p.gate.isReady()
	p.gate.markReady()
	if !wasReady {
		p.opts.Store.PushReady()
		if p.opts.OnReady != nil {
			p.opts.OnReady()
		}
	}
}

// Close stops the peer and fails in-flight calls.
func (p *RPCPeer) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.done)
		p.gate.close()
	})
}
