package wire

import (
	"encoding/json"
	"fmt"
)

// Control message type tags shared with the agent CLI.
const (
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
	TypeUser            = "user"
)

// Control request subtypes. The agent issues can_use_tool and hook_callback;
// the harness issues initialize, set_permission_mode, and interrupt.
const (
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeHookCallback      = "hook_callback"
	SubtypeInitialize        = "initialize"
	SubtypeSetPermissionMode = "set_permission_mode"
	SubtypeInterrupt         = "interrupt"
)

// Control response subtypes.
const (
	SubtypeSuccess = "success"
	SubtypeError   = "error"
)

// ControlRequest is a control_request line in either direction.
type ControlRequest struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id"`
	Request   RequestBody `json:"request"`
}

// RequestBody is the inner payload of a control request. Fields are a union
// across subtypes; only the ones relevant to the subtype are populated.
type RequestBody struct {
	Subtype string `json:"subtype"`

	// can_use_tool
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`

	// hook_callback
	CallbackID string          `json:"callback_id,omitempty"`
	HookInput  json.RawMessage `json:"hook_input,omitempty"`

	// initialize
	Hooks json.RawMessage `json:"hooks,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`
}

// ControlResponse is a control_response line in either direction.
type ControlResponse struct {
	Type     string       `json:"type"`
	Response ResponseBody `json:"response"`
}

// ResponseBody is the inner payload of a control response.
type ResponseBody struct {
	Subtype   string          `json:"subtype"` // "success" or "error"
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PermissionResult is the response payload for a can_use_tool request.
type PermissionResult struct {
	Behavior     string          `json:"behavior"` // "allow" or "deny"
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// AllowResult builds a can_use_tool "allow" payload that passes the original
// tool input through unchanged.
func AllowResult(input json.RawMessage) PermissionResult {
	return PermissionResult{Behavior: "allow", UpdatedInput: input}
}

// DenyResult builds a can_use_tool "deny" payload with a human-readable reason.
func DenyResult(reason string) PermissionResult {
	return PermissionResult{Behavior: "deny", Message: reason}
}

// HookResult is the response payload for a hook_callback request. A decision
// of "ask" tells the agent to re-issue the decision as a can_use_tool request,
// keeping a single approval code path on the harness side.
type HookResult struct {
	Decision string `json:"decision"` // "allow" or "ask"
	Async    bool   `json:"async"`
}

// typeProbe extracts only the type tag so a line can be routed before the
// full decode.
type typeProbe struct {
	Type string `json:"type"`
}

// DecodeControl classifies a raw line as a control request, a control
// response, or neither. It returns (nil, nil, nil) for lines that are valid
// JSON but not control messages; those are opaque agent events.
func DecodeControl(raw []byte) (*ControlRequest, *ControlResponse, error) {
	var probe typeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, err
	}
	switch probe.Type {
	case TypeControlRequest:
		var req ControlRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, nil, fmt.Errorf("decoding control request: %w", err)
		}
		return &req, nil, nil
	case TypeControlResponse:
		var resp ControlResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, nil, fmt.Errorf("decoding control response: %w", err)
		}
		return nil, &resp, nil
	}
	return nil, nil, nil
}

// EncodeControlRequest serializes a control request as a newline-terminated
// wire line.
func EncodeControlRequest(requestID string, body RequestBody) ([]byte, error) {
	line, err := json.Marshal(ControlRequest{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   body,
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// EncodeControlResponse serializes a control response as a newline-terminated
// wire line. result may be nil for error responses.
func EncodeControlResponse(requestID string, result any, respErr string) ([]byte, error) {
	body := ResponseBody{RequestID: requestID}
	if respErr != "" {
		body.Subtype = SubtypeError
		body.Error = respErr
	} else {
		body.Subtype = SubtypeSuccess
		if result != nil {
			payload, err := json.Marshal(result)
			if err != nil {
				return nil, err
			}
			body.Response = payload
		}
	}
	line, err := json.Marshal(ControlResponse{Type: TypeControlResponse, Response: body})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
