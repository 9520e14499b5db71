package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/coder/websocket"

	"github.com/ptymux/ptymux/internal/pty"
	"github.com/ptymux/ptymux/internal/session"
)

// conn is one WebSocket connection. A connection may be attached to zero,
// one, or many sessions at once; cursors track the last delivered buffer
// sequence per attached session so replay never duplicates live output.
type conn struct {
	hub *Hub
	ws  *websocket.Conn // nil in unit tests

	send    chan Message
	closed  chan struct{}
	closeFn sync.Once

	limiter *RateLimiter

	mu      sync.Mutex
	cursors map[string]uint64
}

func (h *Hub) newConn(ws *websocket.Conn) *conn {
	c := &conn{
		hub:     h,
		ws:      ws,
		send:    make(chan Message, h.cfg.SendBuffer),
		closed:  make(chan struct{}),
		limiter: NewRateLimiter(MessageRateLimit, MessageRateBurst),
		cursors: make(map[string]uint64),
	}
	h.register(c)
	return c
}

// enqueue queues a frame for the writer. A connection whose queue is full is
// closed: skipping frames would open a gap in the client's view, so the
// client is forced into a clean replay on reconnect instead.
func (c *conn) enqueue(msg Message) {
	select {
	case <-c.closed:
	case c.send <- msg:
	default:
		log.Printf("[hub] disconnecting slow consumer (queue full)")
		c.close()
	}
}

// deliverOutput forwards a live output chunk if this connection is attached
// and has not already seen it via its history replay. The cursor check and
// the enqueue share the critical section with attach, so frames land on the
// send channel in cursor order.
func (c *conn) deliverOutput(sessionID string, data []byte, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, attached := c.cursors[sessionID]
	if !attached || seq <= cur {
		return
	}
	c.cursors[sessionID] = seq
	c.enqueue(Message{Type: TypeOutput, SessionID: sessionID, Data: string(data), Seq: seq})
}

func (c *conn) attachedTo(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cursors[sessionID]
	return ok
}

func (c *conn) dropCursor(sessionID string) {
	c.mu.Lock()
	delete(c.cursors, sessionID)
	c.mu.Unlock()
}

func (c *conn) close() {
	c.closeFn.Do(func() {
		close(c.closed)
		if c.ws != nil {
			c.ws.Close(websocket.StatusPolicyViolation, "connection closed")
		}
	})
}

// HandleConn serves one WebSocket connection until it closes. It runs the
// read loop on the calling goroutine and a writer goroutine alongside.
func (h *Hub) HandleConn(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(MaxInputMessageSize * 2)
	c := h.newConn(ws)
	defer h.drop(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx, cancel)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			continue
		}
		msg, err := ParseClientMessage(data)
		if err != nil {
			c.enqueue(errorMessage("", "", err.Error()))
			continue
		}
		h.dispatch(c, msg)
	}
}

func (c *conn) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg := <-c.send:
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Printf("[hub] marshal frame: %v", err)
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

// dispatch is the per-connection state machine: one case per client frame
// type. Every failure is answered with an error frame on this connection
// only; the connection itself stays up.
func (h *Hub) dispatch(c *conn, msg Message) {
	switch msg.Type {
	case TypeCreate:
		h.handleCreate(c, msg)

	case TypeConnect, TypeAttach:
		if msg.SessionID == "" {
			c.enqueue(errorMessage(msg.RequestID, "", "connect requires sessionId"))
			return
		}
		if !h.attach(c, msg.SessionID, msg.Seq, msg.RequestID) {
			c.enqueue(errorMessage(msg.RequestID, msg.SessionID, fmt.Sprintf("unknown session %s", msg.SessionID)))
		}

	case TypeInput:
		if len(msg.Data) > MaxInputMessageSize {
			c.enqueue(errorMessage(msg.RequestID, msg.SessionID, "input message too large"))
			return
		}
		// Input for a session this connection is not attached to is a
		// protocol error: it keeps a buggy client from driving someone
		// else's shell.
		if !c.attachedTo(msg.SessionID) {
			c.enqueue(errorMessage(msg.RequestID, msg.SessionID, "not attached to session"))
			return
		}
		if !h.reg.Write(msg.SessionID, []byte(msg.Data)) {
			c.enqueue(errorMessage(msg.RequestID, msg.SessionID, fmt.Sprintf("unknown session %s", msg.SessionID)))
		}

	case TypeResize:
		if !c.attachedTo(msg.SessionID) {
			c.enqueue(errorMessage(msg.RequestID, msg.SessionID, "not attached to session"))
			return
		}
		cols, rows := clampGeometry(msg.Cols, msg.Rows)
		if !h.reg.Resize(msg.SessionID, cols, rows) {
			c.enqueue(errorMessage(msg.RequestID, msg.SessionID, fmt.Sprintf("unknown session %s", msg.SessionID)))
		}

	case TypeDisconnect, TypeDetach:
		h.detach(c, msg.SessionID)

	case TypeMonitorAll:
		if !h.enableMonitor(c, msg.AuthKey) {
			c.enqueue(errorMessage(msg.RequestID, "", "monitor-all denied"))
		}
	}
}

func (h *Hub) handleCreate(c *conn, msg Message) {
	info, err := h.reg.Create(session.CreateOptions{
		ID:      msg.ID,
		Command: msg.Command,
		Args:    msg.Args,
		Cols:    msg.Cols,
		Rows:    msg.Rows,
		Cwd:     msg.Cwd,
		Env:     msg.Env,
	})
	if err != nil {
		c.enqueue(errorMessage(msg.RequestID, "", fmt.Sprintf("create session: %v", err)))
		return
	}

	c.enqueue(Message{
		Type:      TypeCreated,
		RequestID: msg.RequestID,
		SessionID: info.ID,
		Session:   &info,
	})

	// Creation attaches implicitly; the history frame carries whatever
	// the shell printed before the attach completed (usually nothing).
	h.attach(c, info.ID, 0, "")
}

// clampGeometry bounds a resize request instead of rejecting it; browser
// clients routinely send transient extreme sizes mid-drag.
func clampGeometry(cols, rows uint16) (uint16, uint16) {
	if cols < pty.MinCols {
		cols = pty.DefaultCols
	}
	if cols > pty.MaxCols {
		cols = pty.MaxCols
	}
	if rows < pty.MinRows {
		rows = pty.DefaultRows
	}
	if rows > pty.MaxRows {
		rows = pty.MaxRows
	}
	return cols, rows
}

var _ session.EventSink = (*Hub)(nil)
