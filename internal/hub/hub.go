// Package hub is the WebSocket transport layer: it terminates the JSON
// protocol, multiplexes many client connections onto few sessions, and fans
// session output out to every attached connection exactly once per chunk.
//
// The hub owns all client attachment state. The session registry never
// learns client identities; the hub subscribes to it as an event sink.
package hub

import (
	"crypto/subtle"
	"log"
	"sync"
	"time"

	"github.com/ptymux/ptymux/internal/session"
)

// Registry is what the hub needs from the session layer. Implemented by
// *session.Registry.
type Registry interface {
	Create(opts session.CreateOptions) (session.Info, error)
	Get(id string) (session.Info, bool)
	Write(id string, data []byte) bool
	Resize(id string, cols, rows uint16) bool
	History(id string) (data []byte, seq uint64, ok bool)
	HistorySince(id string, since uint64) (data []byte, seq uint64, exact, ok bool)
}

// Config tunes the hub.
type Config struct {
	// MonitorAuthKey gates monitor-all mode. Empty rejects all requests.
	MonitorAuthKey string
	// SendBuffer is the per-connection outbound queue length. A client
	// that falls this far behind is disconnected rather than allowed to
	// stall or skip chunks; it replays on reconnect.
	SendBuffer int
}

const defaultSendBuffer = 256

// Hub tracks connections and their session attachments.
type Hub struct {
	reg Registry
	cfg Config

	mu        sync.Mutex
	conns     map[*conn]struct{}
	bySession map[string]map[*conn]struct{}
	monitors  map[*conn]struct{}
}

// New creates a hub over the given registry. Wire it to the registry with
// registry.Subscribe(h) so output and exit events reach clients.
func New(reg Registry, cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &Hub{
		reg:       reg,
		cfg:       cfg,
		conns:     make(map[*conn]struct{}),
		bySession: make(map[string]map[*conn]struct{}),
		monitors:  make(map[*conn]struct{}),
	}
}

// OnSessionOutput implements session.EventSink. It delivers the chunk to
// every connection attached to the session, plus all monitors. Calls arrive
// in emission order per session and are enqueued in that order.
func (h *Hub) OnSessionOutput(sessionID string, data []byte, seq uint64) {
	h.mu.Lock()
	attached := make([]*conn, 0, len(h.bySession[sessionID]))
	for c := range h.bySession[sessionID] {
		attached = append(attached, c)
	}
	monitors := make([]*conn, 0, len(h.monitors))
	for c := range h.monitors {
		monitors = append(monitors, c)
	}
	h.mu.Unlock()

	for _, c := range attached {
		c.deliverOutput(sessionID, data, seq)
	}
	if len(monitors) > 0 {
		msg := Message{
			Type:      TypeSessionOutput,
			SessionID: sessionID,
			Data:      string(data),
			Seq:       seq,
			Timestamp: time.Now().UnixMilli(),
		}
		for _, c := range monitors {
			c.enqueue(msg)
		}
	}
}

// OnSessionExit implements session.EventSink. Attached connections receive a
// termination notice and their attachment bookkeeping is dropped.
func (h *Hub) OnSessionExit(sessionID string, status int) {
	h.mu.Lock()
	set := h.bySession[sessionID]
	delete(h.bySession, sessionID)
	conns := make([]*conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	st := status
	msg := Message{Type: TypeExit, SessionID: sessionID, ExitStatus: &st}
	for _, c := range conns {
		c.dropCursor(sessionID)
		c.enqueue(msg)
	}
}

// attach registers the connection for a session's output and enqueues the
// replay frame. since > 0 requests the suffix after that sequence; when the
// suffix has been truncated away the full snapshot is served instead and the
// client treats itself as freshly attached.
func (h *Hub) attach(c *conn, sessionID string, since uint64, requestID string) bool {
	if _, ok := h.reg.Get(sessionID); !ok {
		return false
	}

	h.mu.Lock()
	set := h.bySession[sessionID]
	if set == nil {
		set = make(map[*conn]struct{})
		h.bySession[sessionID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	// Snapshot, cursor update, and the history enqueue all happen under the
	// connection lock. A concurrent output event is either covered by the
	// snapshot or enqueued after the history frame, never both and never
	// neither; enqueue never blocks, so holding the lock is safe.
	c.mu.Lock()
	defer c.mu.Unlock()

	var data []byte
	var seq uint64
	if since > 0 {
		var exact, ok bool
		data, seq, exact, ok = h.reg.HistorySince(sessionID, since)
		if !ok {
			return false
		}
		if !exact {
			data, seq, _ = h.reg.History(sessionID)
		}
	} else {
		var ok bool
		data, seq, ok = h.reg.History(sessionID)
		if !ok {
			return false
		}
	}
	c.cursors[sessionID] = seq
	c.enqueue(Message{Type: TypeHistory, RequestID: requestID, SessionID: sessionID, Data: string(data), Seq: seq})
	return true
}

// detach removes one attachment; other attachments on the same connection
// and the session itself are unaffected.
func (h *Hub) detach(c *conn, sessionID string) {
	h.mu.Lock()
	if set := h.bySession[sessionID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.bySession, sessionID)
		}
	}
	h.mu.Unlock()
	c.dropCursor(sessionID)
}

// register adds a new connection.
func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

// drop removes a connection and all its attachments. The sessions keep
// running for other clients or later reconnection.
func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	delete(h.monitors, c)
	for id, set := range h.bySession {
		delete(set, c)
		if len(set) == 0 {
			delete(h.bySession, id)
		}
	}
	h.mu.Unlock()
	c.close()
}

// enableMonitor verifies the auth key and adds the connection to the
// monitor broadcast set.
func (h *Hub) enableMonitor(c *conn, authKey string) bool {
	if h.cfg.MonitorAuthKey == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(authKey), []byte(h.cfg.MonitorAuthKey)) != 1 {
		return false
	}
	h.mu.Lock()
	h.monitors[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("[hub] connection entered monitor-all mode")
	return true
}

// AttachedCount reports how many connections are attached to a session.
func (h *Hub) AttachedCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bySession[sessionID])
}

// ConnCount reports the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
