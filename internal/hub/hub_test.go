package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ptymux/ptymux/internal/session"
)

// fakeRegistry implements Registry over in-memory scrollbacks. Tests emit
// output the way the real registry does: append to the buffer, then notify
// the hub with the resulting sequence.
type fakeRegistry struct {
	mu      sync.Mutex
	buffers map[string]*session.Scrollback
	writes  map[string][]string
	resizes map[string][][2]uint16
	nextID  int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		buffers: make(map[string]*session.Scrollback),
		writes:  make(map[string][]string),
		resizes: make(map[string][][2]uint16),
	}
}

func (f *fakeRegistry) addSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffers[id] = session.NewScrollback(0)
}

func (f *fakeRegistry) emit(h *Hub, id, data string) {
	f.mu.Lock()
	seq := f.buffers[id].Append([]byte(data))
	f.mu.Unlock()
	h.OnSessionOutput(id, []byte(data), seq)
}

func (f *fakeRegistry) Create(opts session.CreateOptions) (session.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := opts.ID
	if id == "" {
		f.nextID++
		id = fmt.Sprintf("sess-%d", f.nextID)
	}
	if _, ok := f.buffers[id]; ok {
		return session.Info{}, session.ErrSessionExists
	}
	f.buffers[id] = session.NewScrollback(0)
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return session.Info{ID: id, Command: opts.Command, Cols: cols, Rows: rows}, nil
}

func (f *fakeRegistry) Get(id string) (session.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[id]; !ok {
		return session.Info{}, false
	}
	return session.Info{ID: id}, true
}

func (f *fakeRegistry) Write(id string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[id]; !ok {
		return false
	}
	f.writes[id] = append(f.writes[id], string(data))
	return true
}

func (f *fakeRegistry) Resize(id string, cols, rows uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[id]; !ok {
		return false
	}
	f.resizes[id] = append(f.resizes[id], [2]uint16{cols, rows})
	return true
}

func (f *fakeRegistry) History(id string) ([]byte, uint64, bool) {
	f.mu.Lock()
	buf, ok := f.buffers[id]
	f.mu.Unlock()
	if !ok {
		return nil, 0, false
	}
	data, seq := buf.Snapshot()
	return data, seq, true
}

func (f *fakeRegistry) HistorySince(id string, since uint64) ([]byte, uint64, bool, bool) {
	f.mu.Lock()
	buf, ok := f.buffers[id]
	f.mu.Unlock()
	if !ok {
		return nil, 0, false, false
	}
	data, seq, exact := buf.SnapshotSince(since)
	return data, seq, exact, true
}

func recv(t *testing.T, c *conn) Message {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return Message{}
	}
}

func expectNoFrame(t *testing.T, c *conn) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected frame: %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func newTestHub(cfg Config) (*Hub, *fakeRegistry) {
	reg := newFakeRegistry()
	return New(reg, cfg), reg
}

func TestAttach_SendsFullHistory(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")
	reg.emit(h, "s1", "earlier output")

	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})

	msg := recv(t, c)
	if msg.Type != TypeHistory || msg.SessionID != "s1" {
		t.Fatalf("frame = %+v, want history for s1", msg)
	}
	if msg.Data != "earlier output" {
		t.Errorf("history data = %q", msg.Data)
	}
	if msg.Seq != uint64(len("earlier output")) {
		t.Errorf("history seq = %d", msg.Seq)
	}
}

func TestAttach_UnknownSession(t *testing.T) {
	h, _ := newTestHub(Config{})
	c := h.newConn(nil)

	h.dispatch(c, Message{Type: TypeAttach, SessionID: "ghost", RequestID: "r1"})

	msg := recv(t, c)
	if msg.Type != TypeError || msg.RequestID != "r1" {
		t.Fatalf("frame = %+v, want correlated error", msg)
	}
}

func TestFanOut_AllAttachedReceiveChunk(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")

	conns := make([]*conn, 3)
	for i := range conns {
		conns[i] = h.newConn(nil)
		h.dispatch(conns[i], Message{Type: TypeConnect, SessionID: "s1"})
		recv(t, conns[i]) // history
	}

	reg.emit(h, "s1", "broadcast me")

	for i, c := range conns {
		msg := recv(t, c)
		if msg.Type != TypeOutput || msg.Data != "broadcast me" {
			t.Errorf("conn %d frame = %+v", i, msg)
		}
		expectNoFrame(t, c)
	}
}

func TestFanOut_OnlyAttachedSession(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")
	reg.addSession("s2")

	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})
	recv(t, c)

	reg.emit(h, "s2", "not for you")
	expectNoFrame(t, c)

	reg.emit(h, "s1", "for you")
	msg := recv(t, c)
	if msg.SessionID != "s1" || msg.Data != "for you" {
		t.Errorf("frame = %+v", msg)
	}
}

func TestReattach_NoDuplicationNoGap(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")
	reg.emit(h, "s1", "H")

	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})
	first := recv(t, c)
	if first.Data != "H" {
		t.Fatalf("initial history = %q", first.Data)
	}

	reg.emit(h, "s1", "O")
	live := recv(t, c)
	if live.Type != TypeOutput || live.Data != "O" {
		t.Fatalf("live frame = %+v", live)
	}

	h.dispatch(c, Message{Type: TypeDetach, SessionID: "s1"})
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})
	second := recv(t, c)
	if second.Type != TypeHistory || second.Data != "HO" {
		t.Errorf("reattach history = %+v, want exactly H+O", second)
	}

	// Incremental reattach: client reports what it already holds.
	h.dispatch(c, Message{Type: TypeDetach, SessionID: "s1"})
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1", Seq: second.Seq})
	delta := recv(t, c)
	if delta.Type != TypeHistory || delta.Data != "" {
		t.Errorf("delta history = %+v, want empty suffix", delta)
	}
}

func TestAttach_LiveEventOverlappingHistorySkipped(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")

	// The chunk lands in the buffer before the attach snapshot, but its
	// broadcast arrives after: the cursor must suppress the duplicate.
	reg.mu.Lock()
	seq := reg.buffers["s1"].Append([]byte("racy"))
	reg.mu.Unlock()

	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})
	history := recv(t, c)
	if history.Data != "racy" {
		t.Fatalf("history = %q", history.Data)
	}

	h.OnSessionOutput("s1", []byte("racy"), seq)
	expectNoFrame(t, c)
}

func TestAttach_RacingOutputOrderedAfterHistory(t *testing.T) {
	h, reg := newTestHub(Config{})

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("race-%d", i)
		reg.addSession(id)
		reg.emit(h, id, "start")

		c := h.newConn(nil)
		done := make(chan struct{})
		go func() {
			reg.emit(h, id, "live")
			close(done)
		}()
		h.dispatch(c, Message{Type: TypeConnect, SessionID: id})
		<-done

		var frames []Message
	drain:
		for {
			select {
			case m := <-c.send:
				frames = append(frames, m)
			default:
				break drain
			}
		}

		if len(frames) == 0 || frames[0].Type != TypeHistory {
			t.Fatalf("iteration %d: first frame = %+v, want history", i, frames)
		}
		// History is an authoritative replacement: any output enqueued
		// before it would be discarded by the client, so everything the
		// client keeps must reassemble the full buffer exactly.
		view := frames[0].Data
		last := frames[0].Seq
		for _, m := range frames[1:] {
			if m.Type != TypeOutput {
				t.Fatalf("iteration %d: unexpected frame %+v", i, m)
			}
			if m.Seq <= last {
				t.Fatalf("iteration %d: output seq %d after seq %d", i, m.Seq, last)
			}
			view += m.Data
			last = m.Seq
		}
		if view != "startlive" {
			t.Fatalf("iteration %d: client view = %q, want %q", i, view, "startlive")
		}

		h.drop(c)
	}
}

func TestInput_RequiresAttachment(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")
	c := h.newConn(nil)

	h.dispatch(c, Message{Type: TypeInput, SessionID: "s1", Data: "stolen keystrokes"})
	if msg := recv(t, c); msg.Type != TypeError {
		t.Fatalf("frame = %+v, want protocol error", msg)
	}
	if len(reg.writes["s1"]) != 0 {
		t.Error("input reached session without attachment")
	}

	h.dispatch(c, Message{Type: TypeAttach, SessionID: "s1"})
	recv(t, c)
	h.dispatch(c, Message{Type: TypeInput, SessionID: "s1", Data: "ls\n"})
	if got := reg.writes["s1"]; len(got) != 1 || got[0] != "ls\n" {
		t.Errorf("writes = %v", got)
	}
}

func TestDetach_OtherAttachmentsUnaffected(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")
	reg.addSession("s2")

	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})
	recv(t, c)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s2"})
	recv(t, c)

	h.dispatch(c, Message{Type: TypeDisconnect, SessionID: "s1"})

	reg.emit(h, "s1", "dropped")
	expectNoFrame(t, c)
	reg.emit(h, "s2", "still flowing")
	if msg := recv(t, c); msg.SessionID != "s2" {
		t.Errorf("frame = %+v", msg)
	}
}

func TestResize_ForwardedAndClamped(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")
	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})
	recv(t, c)

	h.dispatch(c, Message{Type: TypeResize, SessionID: "s1", Cols: 100, Rows: 30})
	h.dispatch(c, Message{Type: TypeResize, SessionID: "s1", Cols: 5000, Rows: 0})

	got := reg.resizes["s1"]
	if len(got) != 2 {
		t.Fatalf("resizes = %v", got)
	}
	if got[0] != [2]uint16{100, 30} {
		t.Errorf("first resize = %v", got[0])
	}
	if got[1] != [2]uint16{999, 24} {
		t.Errorf("clamped resize = %v, want 999x24", got[1])
	}
}

func TestCreate_AcksAndAttaches(t *testing.T) {
	h, reg := newTestHub(Config{})
	c := h.newConn(nil)

	h.dispatch(c, Message{Type: TypeCreate, Command: "/bin/sh", Cols: 80, Rows: 24, RequestID: "r9"})

	created := recv(t, c)
	if created.Type != TypeCreated || created.RequestID != "r9" || created.SessionID == "" {
		t.Fatalf("frame = %+v", created)
	}
	if created.Session == nil || created.Session.Command != "/bin/sh" {
		t.Errorf("session info = %+v", created.Session)
	}

	history := recv(t, c)
	if history.Type != TypeHistory || history.Data != "" {
		t.Fatalf("frame = %+v, want empty history", history)
	}

	reg.emit(h, created.SessionID, "first output")
	if msg := recv(t, c); msg.Type != TypeOutput || msg.Data != "first output" {
		t.Errorf("frame = %+v", msg)
	}
}

func TestMonitorAll(t *testing.T) {
	h, reg := newTestHub(Config{MonitorAuthKey: "topsecret"})
	reg.addSession("s1")

	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeMonitorAll, AuthKey: "wrong"})
	if msg := recv(t, c); msg.Type != TypeError {
		t.Fatalf("frame = %+v, want denial", msg)
	}

	h.dispatch(c, Message{Type: TypeMonitorAll, AuthKey: "topsecret"})
	reg.emit(h, "s1", "observed")

	msg := recv(t, c)
	if msg.Type != TypeSessionOutput || msg.SessionID != "s1" || msg.Data != "observed" {
		t.Fatalf("frame = %+v", msg)
	}
	if msg.Timestamp == 0 {
		t.Error("session-output missing timestamp")
	}
}

func TestMonitorAll_DisabledWhenUnconfigured(t *testing.T) {
	h, _ := newTestHub(Config{})
	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeMonitorAll, AuthKey: ""})
	if msg := recv(t, c); msg.Type != TypeError {
		t.Fatalf("frame = %+v, want denial with no key configured", msg)
	}
}

func TestExit_NoticeAndCleanup(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")

	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})
	recv(t, c)

	h.OnSessionExit("s1", 137)

	msg := recv(t, c)
	if msg.Type != TypeExit || msg.SessionID != "s1" {
		t.Fatalf("frame = %+v", msg)
	}
	if msg.ExitStatus == nil || *msg.ExitStatus != 137 {
		t.Errorf("exit status = %v", msg.ExitStatus)
	}
	if h.AttachedCount("s1") != 0 {
		t.Error("attachments survived session exit")
	}
}

func TestDrop_RemovesAllAttachments(t *testing.T) {
	h, reg := newTestHub(Config{})
	reg.addSession("s1")

	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})
	recv(t, c)

	other := h.newConn(nil)
	h.dispatch(other, Message{Type: TypeConnect, SessionID: "s1"})
	recv(t, other)

	h.drop(c)

	if h.AttachedCount("s1") != 1 {
		t.Errorf("attached = %d, want 1 (other connection keeps its attachment)", h.AttachedCount("s1"))
	}
	// The session is untouched: the survivor still streams.
	reg.emit(h, "s1", "after drop")
	if msg := recv(t, other); msg.Data != "after drop" {
		t.Errorf("frame = %+v", msg)
	}
}

func TestSlowConsumer_Disconnected(t *testing.T) {
	h, reg := newTestHub(Config{SendBuffer: 2})
	reg.addSession("s1")

	c := h.newConn(nil)
	h.dispatch(c, Message{Type: TypeConnect, SessionID: "s1"})

	// Queue: history already occupies one slot; overflow the rest.
	for i := 0; i < 4; i++ {
		reg.emit(h, "s1", "flood")
	}

	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("slow consumer was not disconnected")
	}
}

func TestParseClientMessage_RejectsUnknownType(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"created"}`)); err == nil {
		t.Error("server-only type accepted from client")
	}
	if _, err := ParseClientMessage([]byte(`{"type":"mystery"}`)); err == nil {
		t.Error("unknown type accepted")
	}
	if _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
	if _, err := ParseClientMessage([]byte(`{"type":"input","sessionId":"s","data":"x"}`)); err != nil {
		t.Errorf("valid input frame rejected: %v", err)
	}
}
