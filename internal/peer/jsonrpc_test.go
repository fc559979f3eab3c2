package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/agentfold/warden/internal/approval"
	"github.com/agentfold/warden/internal/msgstore"
	"github.com/agentfold/warden/internal/wire"
)

type rpcRig struct {
	peer   *RPCPeer
	events chan wire.RawEvent
	lines  chan string
	store  *msgstore.Store
}

func newRPCRig(t *testing.T, mode approval.Mode, tweak func(*Options)) *rpcRig {
	t.Helper()

	pr, pw := io.Pipe()
	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	events := make(chan wire.RawEvent, 32)
	store := msgstore.New(0)
	opts := Options{
		Stdin:      pw,
		Events:     events,
		Store:      store,
		Broker:     approval.New(mode, time.Minute, approval.Signals{}),
		AckTimeout: 2 * time.Second,
	}
	if tweak != nil {
		tweak(&opts)
	}

	p := NewRPCPeer(opts)
	t.Cleanup(func() {
		p.Close()
		close(events)
		pw.Close()
	})
	return &rpcRig{peer: p, events: events, lines: lines, store: store}
}

func (r *rpcRig) feed(line string) {
	r.events <- wire.RawEvent{Raw: []byte(line)}
}

func (r *rpcRig) nextMsg(t *testing.T) rpcMessage {
	t.Helper()
	select {
	case line, ok := <-r.lines:
		if !ok {
			t.Fatal("writer closed before expected message")
		}
		var msg rpcMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("Unmarshal %q: %v", line, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer output")
	}
	return rpcMessage{}
}

func (r *rpcRig) respond(id int64, result string) {
	r.feed(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

func TestRPCInitializeNewSession(t *testing.T) {
	var gotSession string
	r := newRPCRig(t, approval.ModeAuto, func(o *Options) {
		o.OnSessionID = func(id string) { gotSession = id }
	})

	initDone := make(chan error, 1)
	go func() {
		initDone <- r.peer.Initialize(context.Background())
	}()

	msg := r.nextMsg(t)
	if msg.Method != "initialize" {
		t.Fatalf("first call = %q, want initialize", msg.Method)
	}
	r.respond(*msg.ID, `{"protocolVersion":1,"agentCapabilities":{"loadSession":true}}`)

	msg = r.nextMsg(t)
	if msg.Method != "session/new" {
		t.Fatalf("second call = %q, want session/new", msg.Method)
	}
	r.respond(*msg.ID, `{"sessionId":"rpc-sess-1"}`)

	if err := <-initDone; err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if r.peer.SessionID() != "rpc-sess-1" {
		t.Errorf("SessionID() = %q, want rpc-sess-1", r.peer.SessionID())
	}
	if gotSession != "rpc-sess-1" {
		t.Errorf("OnSessionID got %q, want rpc-sess-1", gotSession)
	}
	if err := r.peer.WaitForReady(context.Background(), time.Second); err != nil {
		t.Errorf("peer not ready after handshake: %v", err)
	}
}

func TestRPCInitializeResume(t *testing.T) {
	r := newRPCRig(t, approval.ModeAuto, func(o *Options) {
		o.Resume = "old-sess"
	})

	initDone := make(chan error, 1)
	go func() {
		initDone <- r.peer.Initialize(context.Background())
	}()

	msg := r.nextMsg(t)
	r.respond(*msg.ID, `{"protocolVersion":1}`)

	msg = r.nextMsg(t)
	if msg.Method != "session/load" {
		t.Fatalf("second call = %q, want session/load", msg.Method)
	}
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("Unmarshal params: %v", err)
	}
	if params.SessionID != "old-sess" {
		t.Errorf("sessionId = %q, want old-sess", params.SessionID)
	}
	r.respond(*msg.ID, `null`)

	if err := <-initDone; err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if r.peer.SessionID() != "old-sess" {
		t.Errorf("SessionID() = %q, want old-sess", r.peer.SessionID())
	}
}

func TestRPCVersionMismatch(t *testing.T) {
	r := newRPCRig(t, approval.ModeAuto, nil)

	initDone := make(chan error, 1)
	go func() {
		initDone <- r.peer.Initialize(context.Background())
	}()

	msg := r.nextMsg(t)
	r.respond(*msg.ID, `{"protocolVersion":99}`)

	if err := <-initDone; err == nil {
		t.Fatal("Initialize() with wrong protocol version expected error")
	}
}

func TestRPCPromptTurn(t *testing.T) {
	r := newRPCRig(t, approval.ModeAuto, nil)

	initDone := make(chan error, 1)
	go func() { initDone <- r.peer.Initialize(context.Background()) }()
	msg := r.nextMsg(t)
	r.respond(*msg.ID, `{"protocolVersion":1}`)
	msg = r.nextMsg(t)
	r.respond(*msg.ID, `{"sessionId":"s1"}`)
	if err := <-initDone; err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := r.peer.SendUserMessage(context.Background(), "do the thing", nil); err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	msg = r.nextMsg(t)
	if msg.Method != "session/prompt" {
		t.Fatalf("call = %q, want session/prompt", msg.Method)
	}
	var params struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("Unmarshal params: %v", err)
	}
	if params.SessionID != "s1" {
		t.Errorf("sessionId = %q, want s1", params.SessionID)
	}
	if len(params.Prompt) != 1 || params.Prompt[0].Text != "do the thing" {
		t.Errorf("prompt = %+v, want one text block", params.Prompt)
	}

	// A streaming update lands in the store as a patch.
	r.feed(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk"}}}`)

	// The busy gate stays closed until the prompt response arrives.
	if err := r.peer.WaitForReady(context.Background(), 50*time.Millisecond); err == nil {
		t.Error("peer reported ready while the turn was still running")
	}
	r.respond(*msg.ID, `{"stopReason":"end_turn"}`)
	if err := r.peer.WaitForReady(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("peer not ready after prompt response: %v", err)
	}

	var sawPatch bool
	for _, m := range r.store.History() {
		if m.Kind == msgstore.KindPatch {
			sawPatch = true
		}
	}
	if !sawPatch {
		t.Error("session/update never reached the store")
	}
}

func TestRPCPermissionRequest(t *testing.T) {
	r := newRPCRig(t, approval.ModeAuto, nil)

	r.feed(`{"jsonrpc":"2.0","id":7,"method":"session/request_permission","params":{"sessionId":"s1","toolCall":{"toolCallId":"tc1","title":"run ls","rawInput":{"command":"ls"}},"options":[{"optionId":"opt-allow","kind":"allow_once"},{"optionId":"opt-reject","kind":"reject_once"}]}}`)

	msg := r.nextMsg(t)
	if msg.ID == nil || *msg.ID != 7 {
		t.Fatalf("response id = %v, want 7", msg.ID)
	}
	var result struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if result.Outcome.Outcome != "selected" {
		t.Errorf("outcome = %q, want selected", result.Outcome.Outcome)
	}
	if result.Outcome.OptionID != "opt-allow" {
		t.Errorf("optionId = %q, want opt-allow", result.Outcome.OptionID)
	}
}

func TestRPCUnknownMethodRejected(t *testing.T) {
	r := newRPCRig(t, approval.ModeAuto, nil)

	r.feed(`{"jsonrpc":"2.0","id":3,"method":"fs/read_text_file","params":{}}`)

	msg := r.nextMsg(t)
	if msg.Error == nil {
		t.Fatal("expected an error response")
	}
	if msg.Error.Code != -32601 {
		t.Errorf("error code = %d, want -32601", msg.Error.Code)
	}
}

func TestRPCSetPermissionModeUnsupported(t *testing.T) {
	r := newRPCRig(t, approval.ModeAuto, nil)
	if err := r.peer.SetPermissionMode(context.Background(), "default"); err != ErrUnsupported {
		t.Fatalf("SetPermissionMode() error = %v, want ErrUnsupported", err)
	}
}
