package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Client is an attached viewer/controller for one supervised run.
type Client struct {
	ws *websocket.Conn
}

// Connect dials the relay's Unix socket and upgrades to a websocket.
func Connect(ctx context.Context, socketPath string) (*Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	// The host is a placeholder; routing happens over the Unix socket.
	ws, _, err := websocket.Dial(ctx, "http://warden/ws", &websocket.DialOptions{
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to session socket: %w", err)
	}
	ws.SetReadLimit(16 << 20)
	return &Client{ws: ws}, nil
}

// Read returns the next server message.
func (c *Client) Read(ctx context.Context) (WireMsg, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return WireMsg{}, err
	}
	var msg WireMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return WireMsg{}, fmt.Errorf("decoding server message: %w", err)
	}
	return msg, nil
}

func (c *Client) write(ctx context.Context, msg WireMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

// Approve resolves a pending approval in favor of the tool call.
func (c *Client) Approve(ctx context.Context, requestID string) error {
	msg, err := EncodeMsg(MsgApprove, WireDecision{RequestID: requestID})
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

// Deny resolves a pending approval against the tool call.
func (c *Client) Deny(ctx context.Context, requestID, reason string) error {
	msg, err := EncodeMsg(MsgDeny, WireDecision{RequestID: requestID, Reason: reason})
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

// SendInput delivers a user turn to the supervised agent.
func (c *Client) SendInput(ctx context.Context, text string) error {
	msg, err := EncodeMsg(MsgInput, WireInput{Text: text})
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

// Interrupt asks the supervisor to stop the current turn.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.write(ctx, WireMsg{Type: MsgInterrupt})
}

// Kill asks the supervisor to force-terminate the agent.
func (c *Client) Kill(ctx context.Context) error {
	return c.write(ctx, WireMsg{Type: MsgKill})
}

// Close detaches from the session. The run keeps going.
func (c *Client) Close() {
	_ = c.ws.Close(websocket.StatusNormalClosure, "detached")
}
