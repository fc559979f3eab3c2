// Package relay exposes one supervised run over a per-session Unix socket.
// Attached clients (the attach command, or any local viewer) receive the
// retained message history, a live marker, and then live messages; they can
// resolve pending approvals and send input, interrupts, and kills back.
package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire message types sent over the session socket.
const (
	MsgMeta           = "meta"            // Session metadata (sent first on connect)
	MsgMessage        = "msg"             // One store message (history replay and live)
	MsgLive           = "live"            // Marker: history replay done, now streaming live
	MsgApprovalReq    = "approval_req"    // A tool call awaits a decision
	MsgApprovalResult = "approval_result" // A pending approval was resolved
	MsgDone           = "done"            // The supervised process finished
	MsgError          = "error"           // Server-side failure report

	MsgApprove   = "approve"   // Client: approve a pending request
	MsgDeny      = "deny"      // Client: deny a pending request
	MsgInput     = "input"     // Client: send a user turn
	MsgInterrupt = "interrupt" // Client: interrupt the current turn
	MsgKill      = "kill"      // Client: force-terminate the process
)

// WireMsg is the envelope for all messages on the session socket.
type WireMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WireMeta is sent as the first message to a connecting client.
type WireMeta struct {
	SessionID      int    `json:"session_id"`
	Agent          string `json:"agent"`
	Command        string `json:"command"`
	WorkDir        string `json:"work_dir"`
	PID            int    `json:"pid"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
}

// WireApproval describes a pending tool-permission request.
type WireApproval struct {
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// WireApprovalResult reports how a pending request was resolved.
type WireApprovalResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// WireDecision is a client approve/deny payload.
type WireDecision struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

// WireInput is a client user-turn payload.
type WireInput struct {
	Text string `json:"text"`
}

// WireError carries a server-side failure to the client.
type WireError struct {
	Error string `json:"error"`
}

// EncodeMsg builds an envelope with a JSON-encoded payload. A nil payload
// produces a bare envelope.
func EncodeMsg(msgType string, payload any) (WireMsg, error) {
	msg := WireMsg{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return WireMsg{}, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// DecodeData unmarshals an envelope payload into T.
func DecodeData[T any](msg WireMsg) (T, error) {
	var v T
	if len(msg.Data) == 0 {
		return v, fmt.Errorf("%s message has no payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return v, fmt.Errorf("decoding %s payload: %w", msg.Type, err)
	}
	return v, nil
}
