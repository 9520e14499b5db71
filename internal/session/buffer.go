package session

import "sync"

// DefaultBufferMaxBytes is the default scrollback cap per session (1 MiB).
const DefaultBufferMaxBytes = 1024 * 1024

// Scrollback is a thread-safe bounded byte buffer holding a session's output
// for replay. When the buffer exceeds its cap, the oldest bytes are trimmed
// from the front; trimming is a bounded-memory policy, not an error.
//
// Every append advances a monotonic sequence number equal to the total bytes
// appended since creation. Truncation discards content but never rewinds the
// sequence, so "client has seen up to N" stays comparable against what is
// still physically present.
type Scrollback struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	seq      uint64
}

// NewScrollback creates a buffer capped at maxBytes. Non-positive maxBytes
// falls back to DefaultBufferMaxBytes.
func NewScrollback(maxBytes int) *Scrollback {
	if maxBytes <= 0 {
		maxBytes = DefaultBufferMaxBytes
	}
	return &Scrollback{maxBytes: maxBytes}
}

// Append adds p to the tail, trimming from the head if the cap is exceeded,
// and returns the new sequence number.
func (s *Scrollback) Append(p []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	if len(s.data) > s.maxBytes {
		s.data = s.data[len(s.data)-s.maxBytes:]
	}
	s.seq += uint64(len(p))
	return s.seq
}

// Snapshot returns a copy of the current contents and the current sequence.
func (s *Scrollback) Snapshot() ([]byte, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, s.seq
}

// SnapshotSince returns the bytes appended after sequence since. ok is false
// when that point has been trimmed away and an exact delta cannot be served;
// callers then fall back to a full Snapshot.
func (s *Scrollback) SnapshotSince(since uint64) (delta []byte, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if since > s.seq {
		// A cursor from a different buffer generation; treat as truncated.
		return nil, s.seq, false
	}
	head := s.seq - uint64(len(s.data)) // sequence at the start of retained content
	if since < head {
		return nil, s.seq, false
	}
	off := int(since - head)
	delta = make([]byte, len(s.data)-off)
	copy(delta, s.data[off:])
	return delta, s.seq, true
}

// Seq returns the current sequence number.
func (s *Scrollback) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Len returns the number of bytes currently retained.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Reset discards all content and sequence accounting.
func (s *Scrollback) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.seq = 0
}

// Restore seeds the buffer from persisted state. The stored sequence keeps
// monotonic accounting intact across a server restart.
func (s *Scrollback) Restore(data []byte, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(data) > s.maxBytes {
		data = data[len(data)-s.maxBytes:]
	}
	s.data = append([]byte(nil), data...)
	if seq < uint64(len(data)) {
		seq = uint64(len(data))
	}
	s.seq = seq
}
