// Package session owns PTY session lifecycles: the scrollback buffer, the
// Session object, and the Registry that is the single authority over
// creation, restoration, input routing, and teardown.
package session

import (
	"sync"
	"time"

	"github.com/ptymux/ptymux/internal/store"
)

// ProcessHandle is the subset of a PTY process the registry drives. It is
// implemented by *pty.Handle; tests substitute fakes.
//
// Write must keep each call's bytes contiguous in the process input stream
// even under concurrent callers.
type ProcessHandle interface {
	Write(p []byte)
	Resize(cols, rows uint16) error
	Kill()
	Pid() int
}

// EventSink receives session events without the registry knowing who is
// listening. A sink that panics is recovered and must not prevent delivery
// to the remaining sinks.
type EventSink interface {
	// OnSessionOutput is called for every PTY output chunk, after it has
	// been appended to the scrollback. seq is the buffer sequence after
	// the append. Calls for one session arrive in emission order.
	OnSessionOutput(sessionID string, data []byte, seq uint64)
	// OnSessionExit is called exactly once when the session's process has
	// terminated, whether killed explicitly or died on its own.
	OnSessionExit(sessionID string, status int)
}

// Info is the client-visible session metadata.
type Info struct {
	ID             string    `json:"id"`
	Command        string    `json:"command"`
	Args           []string  `json:"args,omitempty"`
	Cols           uint16    `json:"cols"`
	Rows           uint16    `json:"rows"`
	Cwd            string    `json:"cwd,omitempty"`
	Pid            int       `json:"pid,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	BufferBytes    int       `json:"buffer_bytes"`
}

// Session represents one logical shell: a live process handle plus its
// scrollback. Owned exclusively by the Registry.
type Session struct {
	ID      string
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string

	CreatedAt time.Time

	buf    *Scrollback
	handle ProcessHandle

	mu           sync.Mutex
	cols         uint16
	rows         uint16
	lastAccessed time.Time
	closed       bool
	dirty        bool

	exitOnce sync.Once
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccessed = time.Now()
	s.mu.Unlock()
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// swapDirty clears the dirty flag and reports whether it was set.
func (s *Session) swapDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.dirty
	s.dirty = false
	return was
}

func (s *Session) setClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setGeometry(cols, rows uint16) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

// Geometry returns the current terminal size.
func (s *Session) Geometry() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Info returns a snapshot of the session metadata.
func (s *Session) Info() Info {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	last := s.lastAccessed
	s.mu.Unlock()

	pid := 0
	if s.handle != nil {
		pid = s.handle.Pid()
	}
	return Info{
		ID:             s.ID,
		Command:        s.Command,
		Args:           s.Args,
		Cols:           cols,
		Rows:           rows,
		Cwd:            s.Cwd,
		Pid:            pid,
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: last,
		BufferBytes:    s.buf.Len(),
	}
}

// record builds the durable representation, including a buffer snapshot.
func (s *Session) record() store.Record {
	data, seq := s.buf.Snapshot()
	cols, rows := s.Geometry()
	return store.Record{
		ID:        s.ID,
		Command:   s.Command,
		Args:      s.Args,
		Cols:      cols,
		Rows:      rows,
		Cwd:       s.Cwd,
		Env:       s.Env,
		CreatedAt: s.CreatedAt,
		Buffer:    data,
		Seq:       seq,
	}
}
