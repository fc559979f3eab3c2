package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/agentfold/warden/internal/approval"
	"github.com/agentfold/warden/internal/msgstore"
	"github.com/agentfold/warden/internal/wire"
)

// testRig wires a ControlPeer to channels the test controls: events feeds
// the peer's inbound stream, lines receives every line the peer writes.
type testRig struct {
	peer   *ControlPeer
	events chan wire.RawEvent
	lines  chan string
	store  *msgstore.Store
	broker *approval.Broker
}

func newTestRig(t *testing.T, mode approval.Mode, tweak func(*Options)) *testRig {
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
	broker := approval.New(mode, time.Minute, approval.Signals{})

	opts := Options{
		Stdin:       pw,
		Events:      events,
		Store:       store,
		Broker:      broker,
		SettleDelay: time.Millisecond,
		AckTimeout:  2 * time.Second,
	}
	if tweak != nil {
		tweak(&opts)
	}

	p := NewControlPeer(opts)
	t.Cleanup(func() {
		p.Close()
		close(events)
		pw.Close()
	})
	return &testRig{peer: p, events: events, lines: lines, store: store, broker: broker}
}

func (r *testRig) feed(t *testing.T, line string) {
	t.Helper()
	var ev wire.Event
	raw := []byte(line)
	if err := json.Unmarshal(raw, &ev); err != nil {
		r.events <- wire.RawEvent{Raw: raw, Err: err}
		return
	}
	r.events <- wire.RawEvent{Raw: raw, Parsed: ev}
}

func (r *testRig) nextLine(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-r.lines:
		if !ok {
			t.Fatal("writer closed before expected line")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer output")
	}
	return ""
}

func TestCanUseToolAutoApproved(t *testing.T) {
	r := newTestRig(t, approval.ModeAuto, nil)

	r.feed(t, `{"type":"control_request","request_id":"in_1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"tu_1"}}`)

	line := r.nextLine(t)
	var resp wire.ControlResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if resp.Response.RequestID != "in_1" {
		t.Errorf("RequestID = %q, want in_1", resp.Response.RequestID)
	}
	if resp.Response.Subtype != wire.SubtypeSuccess {
		t.Fatalf("Subtype = %q, want success", resp.Response.Subtype)
	}
	var result wire.PermissionResult
	if err := json.Unmarshal(resp.Response.Response, &result); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if result.Behavior != "allow" {
		t.Errorf("Behavior = %q, want allow", result.Behavior)
	}
	if string(result.UpdatedInput) != `{"command":"ls"}` {
		t.Errorf("UpdatedInput = %s, want the original input", result.UpdatedInput)
	}
}

func TestCanUseToolDenied(t *testing.T) {
	r := newTestRig(t, approval.ModeManual, nil)

	go func() {
		// Deny whichever request shows up.
		for i := 0; i < 200; i++ {
			if pending := r.broker.PendingApprovals(); len(pending) > 0 {
				r.broker.Resolve(pending[0].ID, approval.StatusDenied, "not today")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	r.feed(t, `{"type":"control_request","request_id":"in_2","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{}}}`)

	line := r.nextLine(t)
	var resp wire.ControlResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	var result wire.PermissionResult
	if err := json.Unmarshal(resp.Response.Response, &result); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if result.Behavior != "deny" {
		t.Errorf("Behavior = %q, want deny", result.Behavior)
	}
	if result.Message != "not today" {
		t.Errorf("Message = %q, want not today", result.Message)
	}
}

func TestHookCallbackAllowAndAsk(t *testing.T) {
	r := newTestRig(t, approval.ModeManual, nil)

	r.feed(t, `{"type":"control_request","request_id":"h1","request":{"subtype":"hook_callback","callback_id":"session_start"}}`)
	line := r.nextLine(t)
	var resp wire.ControlResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	var hook wire.HookResult
	if err := json.Unmarshal(resp.Response.Response, &hook); err != nil {
		t.Fatalf("Unmarshal hook result: %v", err)
	}
	if hook.Decision != "allow" {
		t.Errorf("session_start decision = %q, want allow", hook.Decision)
	}

	r.feed(t, `{"type":"control_request","request_id":"h2","request":{"subtype":"hook_callback","callback_id":"pre_tool_use"}}`)
	line = r.nextLine(t)
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := json.Unmarshal(resp.Response.Response, &hook); err != nil {
		t.Fatalf("Unmarshal hook result: %v", err)
	}
	if hook.Decision != "ask" {
		t.Errorf("unknown callback decision = %q, want ask", hook.Decision)
	}
}

func TestSessionIDLatchAndReady(t *testing.T) {
	var gotSession string
	readyCount := 0
	r := newTestRig(t, approval.ModeAuto, func(o *Options) {
		o.OnSessionID = func(id string) { gotSession = id }
		o.OnReady = func() { readyCount++ }
	})

	r.feed(t, `{"type":"system","subtype":"init","session_id":"sess-42","model":"m1"}`)

	if err := r.peer.WaitForReady(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("WaitForReady() error = %v", err)
	}
	if r.peer.SessionID() != "sess-42" {
		t.Errorf("SessionID() = %q, want sess-42", r.peer.SessionID())
	}
	if gotSession != "sess-42" {
		t.Errorf("OnSessionID got %q, want sess-42", gotSession)
	}

	// A second init must not overwrite the latched id.
	r.feed(t, `{"type":"system","subtype":"init","session_id":"other"}`)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(r.store.History()) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.peer.SessionID() != "sess-42" {
		t.Errorf("SessionID() = %q after second init, want sess-42", r.peer.SessionID())
	}
}

func TestUnparseableLineGoesToStore(t *testing.T) {
	r := newTestRig(t, approval.ModeAuto, nil)

	r.feed(t, `plain diagnostics, not json`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range r.store.History() {
			if m.Kind == msgstore.KindStdout && m.Text == "plain diagnostics, not json\n" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("unparseable line never reached the store")
}

func TestInitializeHandshake(t *testing.T) {
	r := newTestRig(t, approval.ModeAuto, nil)

	initDone := make(chan error, 1)
	go func() {
		initDone <- r.peer.Initialize(context.Background())
	}()

	// First outbound request: initialize with hooks.
	line := r.nextLine(t)
	var req wire.ControlRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatalf("Unmarshal initialize: %v", err)
	}
	if req.Request.Subtype != wire.SubtypeInitialize {
		t.Fatalf("first request subtype = %q, want initialize", req.Request.Subtype)
	}
	if len(req.Request.Hooks) == 0 {
		t.Error("initialize request carries no hooks config")
	}
	r.feed(t, `{"type":"control_response","response":{"subtype":"success","request_id":"`+req.RequestID+`"}}`)

	// Second: set_permission_mode default.
	line = r.nextLine(t)
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatalf("Unmarshal set_permission_mode: %v", err)
	}
	if req.Request.Subtype != wire.SubtypeSetPermissionMode || req.Request.Mode != "default" {
		t.Fatalf("second request = %q/%q, want set_permission_mode/default", req.Request.Subtype, req.Request.Mode)
	}
	r.feed(t, `{"type":"control_response","response":{"subtype":"success","request_id":"`+req.RequestID+`"}}`)

	if err := <-initDone; err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// Turns are accepted only after the handshake.
	if err := r.peer.SendUserMessage(context.Background(), "hello", nil); err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}
	line = r.nextLine(t)
	var user struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &user); err != nil {
		t.Fatalf("Unmarshal user message: %v", err)
	}
	if user.Type != "user" {
		t.Errorf("type = %q, want user", user.Type)
	}
}

func TestSendBeforeInitializeFails(t *testing.T) {
	r := newTestRig(t, approval.ModeAuto, nil)
	err := r.peer.SendUserMessage(context.Background(), "too early", nil)
	if err != ErrNotInitialized {
		t.Fatalf("SendUserMessage() error = %v, want ErrNotInitialized", err)
	}
}

func TestRequestAckTimeout(t *testing.T) {
	r := newTestRig(t, approval.ModeAuto, func(o *Options) {
		o.AckTimeout = 30 * time.Millisecond
	})

	err := r.peer.Interrupt(context.Background())
	if err == nil {
		t.Fatal("Interrupt() with no ack expected error")
	}
	// The unmatched-response path must not blow up after the timeout
	// cleaned the pending entry.
	r.feed(t, `{"type":"control_response","response":{"subtype":"success","request_id":"stale"}}`)
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("stdin gone") }

func TestRespondFailureSurfaces(t *testing.T) {
	errCh := make(chan error, 1)
	r := newTestRig(t, approval.ModeAuto, func(o *Options) {
		o.Stdin = failWriter{}
		o.OnStreamError = func(err error) { errCh <- err }
	})

	r.feed(t, `{"type":"control_request","request_id":"h1","request":{"subtype":"hook_callback","callback_id":"session_start"}}`)

	select {
	case err := <-errCh:
		var werr *WriteError
		if !errors.As(err, &werr) {
			t.Fatalf("error type = %T (%v), want *WriteError", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write failure never reported")
	}
}

func TestDoneClosesAfterStreamDrained(t *testing.T) {
	events := make(chan wire.RawEvent, 8)
	store := msgstore.New(0)
	p := NewControlPeer(Options{
		Stdin:  io.Discard,
		Events: events,
		Store:  store,
		Broker: approval.New(approval.ModeAuto, time.Minute, approval.Signals{}),
	})
	defer p.Close()

	raw := []byte(`{"type":"result","subtype":"success","num_turns":1}`)
	var ev wire.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	events <- wire.RawEvent{Raw: raw, Parsed: ev}
	close(events)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() never closed after the event stream ended")
	}

	// Everything queued before the close must already be filed.
	var sawResult bool
	for _, m := range store.History() {
		if m.Kind == msgstore.KindPatch && string(m.Patch) == string(raw) {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("result event missing from the store after Done")
	}
}

func TestCloseUnblocksWaiters(t *testing.T) {
	r := newTestRig(t, approval.ModeAuto, nil)

	done := make(chan error, 1)
	go func() {
		done <- r.peer.WaitForReady(context.Background(), 10*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	r.peer.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForReady() after Close error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForReady() still blocked after Close")
	}
}
