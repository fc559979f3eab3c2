package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentfold/warden/internal/approval"
	"github.com/agentfold/warden/internal/debug"
	"github.com/agentfold/warden/internal/eventq"
	"github.com/agentfold/warden/internal/msgstore"
	"github.com/agentfold/warden/internal/wire"
)

// writeTimeout bounds a single websocket write so one stuck client cannot
// hold a pump goroutine forever.
const writeTimeout = 15 * time.Second

// connBuffer is the per-client outbound queue. A client that falls this far
// behind is disconnected rather than allowed to stall the run.
const connBuffer = 256

// Controller is the subset of the process handle a relay client may drive.
type Controller interface {
	SendInput(ctx context.Context, text string, atts []wire.Attachment) error
	Interrupt(ctx context.Context) error
	Kill()
}

// Server exposes one supervised run on a Unix socket. Each accepted
// websocket gets the metadata, the full retained history, any pending
// approvals, a live marker, and then live traffic.
type Server struct {
	meta   WireMeta
	store  *msgstore.Store
	broker *approval.Broker
	target Controller

	httpSrv *http.Server
	ln      net.Listener

	mu       sync.Mutex
	conns    map[int]*clientConn
	nextConn int
	closed   bool
}

type clientConn struct {
	out chan WireMsg

	mu        sync.Mutex
	buffering bool
	backlog   []WireMsg
	dead      bool
}

// send queues a message for the client. During history replay live messages
// are parked in a backlog so the client always sees history strictly before
// live traffic. Returns false once the client is being dropped.
func (c *clientConn) send(msg WireMsg) bool {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return false
	}
	if c.buffering {
		c.backlog = append(c.backlog, msg)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if !eventq.Offer(c.out, msg) {
		c.mu.Lock()
		c.dead = true
		c.mu.Unlock()
		return false
	}
	return true
}

// goLive flushes the backlog and switches to direct delivery.
func (c *clientConn) goLive() {
	c.mu.Lock()
	backlog := c.backlog
	c.backlog = nil
	c.buffering = false
	c.mu.Unlock()
	for _, msg := range backlog {
		if !eventq.Offer(c.out, msg) {
			c.mu.Lock()
			c.dead = true
			c.mu.Unlock()
			return
		}
	}
}

// NewServer creates a relay for one run.
func NewServer(meta WireMeta, store *msgstore.Store, broker *approval.Broker, target Controller) *Server {
	return &Server{
		meta:   meta,
		store:  store,
		broker: broker,
		target: target,
		conns:  make(map[int]*clientConn),
	}
}

// Start listens on the Unix socket and serves websocket attaches until
// Close. A stale socket file from a dead supervisor is removed first.
func (s *Server) Start(socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			debug.LogKV("relay", "serve ended", "err", err)
		}
	}()
	debug.LogKV("relay", "listening", "socket", socketPath)
	return nil
}

// Close stops accepting clients and disconnects the attached ones.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.conns
	s.conns = make(map[int]*clientConn)
	s.mu.Unlock()

	for _, c := range conns {
		close(c.out)
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.httpSrv.Shutdown(ctx)
		cancel()
	}
}

// Broadcast sends a message to every attached client.
func (s *Server) Broadcast(msg WireMsg) {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.send(msg)
	}
}

// BroadcastApproval announces a pending tool-permission request.
func (s *Server) BroadcastApproval(req approval.Request) {
	msg, err := EncodeMsg(MsgApprovalReq, WireApproval{
		RequestID: req.ID,
		Tool:      req.Tool,
		Input:     req.Input,
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		return
	}
	s.Broadcast(msg)
}

// BroadcastApprovalResult announces how a request was resolved.
func (s *Server) BroadcastApprovalResult(req approval.Request, d approval.Decision) {
	msg, err := EncodeMsg(MsgApprovalResult, WireApprovalResult{
		RequestID: req.ID,
		Status:    string(d.Status),
		Reason:    d.Reason,
	})
	if err != nil {
		return
	}
	s.Broadcast(msg)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()

	c := &clientConn{
		out:       make(chan WireMsg, connBuffer),
		buffering: true,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close(websocket.StatusGoingAway, "relay closed")
		return
	}
	id := s.nextConn
	s.nextConn++
	s.conns[id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
	}()

	// Live subscription first, so nothing pushed during the history replay
	// is missed; the backlog keeps ordering intact.
	hist, unsub := s.store.Attach(func(m msgstore.Message) {
		if msg, err := EncodeMsg(MsgMessage, m); err == nil {
			c.send(msg)
		}
		if m.Kind == msgstore.KindFinished {
			c.send(WireMsg{Type: MsgDone})
		}
	})
	defer unsub()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for msg := range c.out {
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
		ws.Close(websocket.StatusNormalClosure, "stream ended")
	}()

	if metaMsg, err := EncodeMsg(MsgMeta, s.meta); err == nil {
		eventq.Offer(c.out, metaMsg)
	}
	for _, m := range hist {
		if msg, err := EncodeMsg(MsgMessage, m); err == nil {
			eventq.Offer(c.out, msg)
		}
	}
	for _, req := range s.broker.PendingApprovals() {
		if msg, err := EncodeMsg(MsgApprovalReq, WireApproval{
			RequestID: req.ID,
			Tool:      req.Tool,
			Input:     req.Input,
			CreatedAt: req.CreatedAt,
		}); err == nil {
			eventq.Offer(c.out, msg)
		}
	}
	eventq.Offer(c.out, WireMsg{Type: MsgLive})
	c.goLive()

	s.readLoop(ctx, ws, c)
	<-writeDone
}

// readLoop handles client control traffic until the socket drops.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *clientConn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg WireMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.dispatch(ctx, msg, c)
	}
}

func (s *Server) dispatch(ctx context.Context, msg WireMsg, c *clientConn) {
	reportErr := func(err error) {
		if err == nil {
			return
		}
		if out, encErr := EncodeMsg(MsgError, WireError{Error: err.Error()}); encErr == nil {
			c.send(out)
		}
	}

	switch msg.Type {
	case MsgApprove:
		d, err := DecodeData[WireDecision](msg)
		if err != nil {
			reportErr(err)
			return
		}
		s.broker.Resolve(d.RequestID, approval.StatusApproved, d.Reason)

	case MsgDeny:
		d, err := DecodeData[WireDecision](msg)
		if err != nil {
			reportErr(err)
			return
		}
		reason := d.Reason
		if reason == "" {
			reason = "Denied by operator"
		}
		s.broker.Resolve(d.RequestID, approval.StatusDenied, reason)

	case MsgInput:
		in, err := DecodeData[WireInput](msg)
		if err != nil {
			reportErr(err)
			return
		}
		// SendInput waits for the agent to go ready. Run it off the read
		// loop so approvals keep flowing while a turn is in flight.
		go func() { reportErr(s.target.SendInput(ctx, in.Text, nil)) }()

	case MsgInterrupt:
		go func() { reportErr(s.target.Interrupt(ctx)) }()

	case MsgKill:
		go s.target.Kill()

	default:
		debug.LogKV("relay", "unknown client message", "type", msg.Type)
	}
}
