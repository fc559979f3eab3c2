package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentfold/warden/internal/approval"
	"github.com/agentfold/warden/internal/msgstore"
	"github.com/agentfold/warden/internal/wire"
)

type fakeController struct {
	mu         sync.Mutex
	inputs     []string
	interrupts int
	kills      int
	inputGate  chan struct{}
}

func (f *fakeController) SendInput(ctx context.Context, text string, atts []wire.Attachment) error {
	f.mu.Lock()
	gate := f.inputGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeController) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeController) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
}

type relayRig struct {
	store  *msgstore.Store
	broker *approval.Broker
	target *fakeController
	server *Server
	socket string
}

func startRelay(t *testing.T) *relayRig {
	t.Helper()
	rig := &relayRig{
		store:  msgstore.New(0),
		broker: approval.New(approval.ModeManual, time.Minute, approval.Signals{}),
		target: &fakeController{},
		socket: filepath.Join(t.TempDir(), "warden.sock"),
	}
	rig.server = NewServer(WireMeta{
		SessionID: 7,
		Agent:     "claude",
		Command:   "claude",
		WorkDir:   "/tmp/project",
		PID:       1234,
	}, rig.store, rig.broker, rig.target)
	if err := rig.server.Start(rig.socket); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(rig.server.Close)
	t.Cleanup(rig.store.Dispose)
	return rig
}

func dial(t *testing.T, rig *relayRig) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, rig.socket)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// readUntil reads server messages until one of the wanted type arrives.
func readUntil(t *testing.T, c *Client, msgType string) WireMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		msg, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Read() while waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestAttachHistoryBeforeLive(t *testing.T) {
	rig := startRelay(t)
	rig.store.PushStdout("first\n")
	rig.store.PushStdout("second\n")

	c := dial(t, rig)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if msg.Type != MsgMeta {
		t.Fatalf("first message type = %q, want meta", msg.Type)
	}
	meta, err := DecodeData[WireMeta](msg)
	if err != nil {
		t.Fatalf("DecodeData(meta) error = %v", err)
	}
	if meta.SessionID != 7 || meta.Agent != "claude" {
		t.Errorf("meta = %+v", meta)
	}

	var history []string
	sawLive := false
	for !sawLive {
		msg, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		switch msg.Type {
		case MsgMessage:
			m, err := DecodeData[msgstore.Message](msg)
			if err != nil {
				t.Fatalf("DecodeData(msg) error = %v", err)
			}
			history = append(history, m.Text)
		case MsgLive:
			sawLive = true
		default:
			t.Fatalf("unexpected message before live: %q", msg.Type)
		}
	}
	if len(history) != 2 || history[0] != "first\n" || history[1] != "second\n" {
		t.Errorf("history = %v", history)
	}

	rig.store.PushStdout("third\n")
	live := readUntil(t, c, MsgMessage)
	m, err := DecodeData[msgstore.Message](live)
	if err != nil {
		t.Fatalf("DecodeData(live msg) error = %v", err)
	}
	if m.Text != "third\n" {
		t.Errorf("live text = %q, want third", m.Text)
	}
}

func TestPendingApprovalSentOnAttach(t *testing.T) {
	rig := startRelay(t)

	decided := make(chan approval.Decision, 1)
	go func() {
		decided <- rig.broker.Request(context.Background(), "Bash", []byte(`{"command":"ls"}`), "tu_1")
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !rig.broker.HasPending() {
		if time.Now().After(deadline) {
			t.Fatal("approval never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c := dial(t, rig)
	msg := readUntil(t, c, MsgApprovalReq)
	req, err := DecodeData[WireApproval](msg)
	if err != nil {
		t.Fatalf("DecodeData(approval_req) error = %v", err)
	}
	if req.Tool != "Bash" {
		t.Errorf("Tool = %q, want Bash", req.Tool)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Approve(ctx, req.RequestID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	select {
	case d := <-decided:
		if d.Status != approval.StatusApproved {
			t.Errorf("Status = %q, want approved", d.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decision never arrived")
	}
}

func TestDenyDefaultsReason(t *testing.T) {
	rig := startRelay(t)

	decided := make(chan approval.Decision, 1)
	go func() {
		decided <- rig.broker.Request(context.Background(), "Write", nil, "tu_2")
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !rig.broker.HasPending() {
		if time.Now().After(deadline) {
			t.Fatal("approval never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c := dial(t, rig)
	msg := readUntil(t, c, MsgApprovalReq)
	req, err := DecodeData[WireApproval](msg)
	if err != nil {
		t.Fatalf("DecodeData(approval_req) error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Deny(ctx, req.RequestID, ""); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}

	select {
	case d := <-decided:
		if d.Status != approval.StatusDenied {
			t.Errorf("Status = %q, want denied", d.Status)
		}
		if d.Reason != "Denied by operator" {
			t.Errorf("Reason = %q, want default", d.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decision never arrived")
	}
}

func TestClientControlsReachTarget(t *testing.T) {
	rig := startRelay(t)
	c := dial(t, rig)
	readUntil(t, c, MsgLive)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.SendInput(ctx, "run the tests"); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}
	if err := c.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if err := c.Kill(ctx); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rig.target.mu.Lock()
		done := len(rig.target.inputs) == 1 && rig.target.interrupts == 1 && rig.target.kills == 1
		rig.target.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			rig.target.mu.Lock()
			t.Fatalf("controls not delivered: inputs=%v interrupts=%d kills=%d",
				rig.target.inputs, rig.target.interrupts, rig.target.kills)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig.target.mu.Lock()
	got := rig.target.inputs[0]
	rig.target.mu.Unlock()
	if got != "run the tests" {
		t.Errorf("input = %q, want run the tests", got)
	}
}

func TestInputDoesNotBlockApprovals(t *testing.T) {
	rig := startRelay(t)
	gate := make(chan struct{})
	rig.target.mu.Lock()
	rig.target.inputGate = gate
	rig.target.mu.Unlock()
	defer close(gate)

	decided := make(chan approval.Decision, 1)
	go func() {
		decided <- rig.broker.Request(context.Background(), "Bash", nil, "tu_3")
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !rig.broker.HasPending() {
		if time.Now().After(deadline) {
			t.Fatal("approval never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c := dial(t, rig)
	msg := readUntil(t, c, MsgApprovalReq)
	req, err := DecodeData[WireApproval](msg)
	if err != nil {
		t.Fatalf("DecodeData(approval_req) error = %v", err)
	}

	// The target holds this input until the gate opens; the approval sent
	// right behind it must still get through.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.SendInput(ctx, "queued turn"); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}
	if err := c.Approve(ctx, req.RequestID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	select {
	case d := <-decided:
		if d.Status != approval.StatusApproved {
			t.Errorf("Status = %q, want approved", d.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approval stuck behind the in-flight input")
	}
}

func TestFinishSendsDone(t *testing.T) {
	rig := startRelay(t)
	c := dial(t, rig)
	readUntil(t, c, MsgLive)

	rig.store.PushFinished()
	readUntil(t, c, MsgDone)
}

func TestBroadcastApprovalResult(t *testing.T) {
	rig := startRelay(t)
	c := dial(t, rig)
	readUntil(t, c, MsgLive)

	rig.server.BroadcastApprovalResult(
		approval.Request{ID: "req-9", Tool: "Bash"},
		approval.Decision{Status: approval.StatusApproved},
	)
	msg := readUntil(t, c, MsgApprovalResult)
	res, err := DecodeData[WireApprovalResult](msg)
	if err != nil {
		t.Fatalf("DecodeData(approval_result) error = %v", err)
	}
	if res.RequestID != "req-9" || res.Status != "approved" {
		t.Errorf("result = %+v", res)
	}
}
