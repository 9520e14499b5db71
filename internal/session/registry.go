package session

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ptymux/ptymux/internal/pty"
	"github.com/ptymux/ptymux/internal/store"
)

// Errors callers branch on.
var (
	ErrSessionExists = errors.New("session id already in use")
	ErrSessionLimit  = errors.New("maximum concurrent session count reached")
)

// SpawnFunc starts a PTY-backed process. The default implementation uses
// internal/pty; tests inject fakes.
type SpawnFunc func(opts pty.SpawnOptions, onData func([]byte), onExit func(status int)) (ProcessHandle, error)

func defaultSpawn(opts pty.SpawnOptions, onData func([]byte), onExit func(status int)) (ProcessHandle, error) {
	h, err := pty.Spawn(opts, onData, onExit)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Config configures a Registry.
type Config struct {
	// Store persists sessions across restarts. Nil disables persistence.
	Store *store.Store
	// BufferMaxBytes caps each session's scrollback.
	BufferMaxBytes int
	// MaxSessions bounds concurrent sessions. Non-positive means 64.
	MaxSessions int
	// DefaultShell is spawned when a create request names no command.
	// Empty falls back to $SHELL, then /bin/bash.
	DefaultShell string
	// Spawn overrides process spawning (tests).
	Spawn SpawnFunc
}

// CreateOptions are the recognized fields of a session-creation request.
type CreateOptions struct {
	ID      string
	Command string
	Args    []string
	Cols    uint16
	Rows    uint16
	Cwd     string
	Env     map[string]string
}

// Registry is the single authority over session lifecycle. It serializes
// writes into each PTY, fans output out to subscribed sinks, and keeps the
// store in sync with a debounced flush cycle driven by the caller.
type Registry struct {
	store        *store.Store
	spawn        SpawnFunc
	bufMax       int
	maxSessions  int
	defaultShell string

	mu       sync.RWMutex
	sessions map[string]*Session

	sinkMu sync.RWMutex
	sinks  []EventSink
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	spawn := cfg.Spawn
	if spawn == nil {
		spawn = defaultSpawn
	}
	max := cfg.MaxSessions
	if max <= 0 {
		max = 64
	}
	return &Registry{
		store:        cfg.Store,
		spawn:        spawn,
		bufMax:       cfg.BufferMaxBytes,
		maxSessions:  max,
		defaultShell: cfg.DefaultShell,
		sessions:     make(map[string]*Session),
	}
}

// Subscribe registers a sink for session output and exit events.
func (r *Registry) Subscribe(sink EventSink) {
	r.sinkMu.Lock()
	r.sinks = append(r.sinks, sink)
	r.sinkMu.Unlock()
}

// Create spawns a new session. The returned Info is available immediately;
// output arrives asynchronously through subscribed sinks. A spawn failure is
// returned to the caller and the session is never registered.
func (r *Registry) Create(opts CreateOptions) (Info, error) {
	s, err := r.create(opts, nil)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

func (r *Registry) create(opts CreateOptions, seed *store.Record) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = pty.DefaultCols
	}
	if rows == 0 {
		rows = pty.DefaultRows
	}
	if err := pty.ValidateGeometry(cols, rows); err != nil {
		return nil, err
	}
	command := opts.Command
	if command == "" {
		command = r.shellCommand()
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Command:      command,
		Args:         opts.Args,
		Cwd:          opts.Cwd,
		Env:          opts.Env,
		CreatedAt:    now,
		buf:          NewScrollback(r.bufMax),
		cols:         cols,
		rows:         rows,
		lastAccessed: now,
	}
	if seed != nil {
		s.CreatedAt = seed.CreatedAt
		s.buf.Restore(seed.Buffer, seed.Seq)
	}

	// Register before spawning so exit/output callbacks always find the
	// session, even for a process that dies immediately.
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrSessionLimit, r.maxSessions)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	handle, err := r.spawn(pty.SpawnOptions{
		Command: command,
		Args:    opts.Args,
		Cols:    cols,
		Rows:    rows,
		Cwd:     opts.Cwd,
		Env:     opts.Env,
	}, func(chunk []byte) {
		r.handleOutput(s, chunk)
	}, func(status int) {
		r.handleExit(s, status)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("spawn session %s: %w", id, err)
	}
	s.handle = handle

	log.Printf("[registry] created session %s (command=%s pid=%d %dx%d)",
		id, command, handle.Pid(), cols, rows)

	r.persist(s)
	return s, nil
}

func (r *Registry) shellCommand() string {
	if r.defaultShell != "" {
		return r.defaultShell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// Restore re-hydrates every stored session at startup: the old buffer with a
// fresh process. A record that cannot be respawned is logged and deleted;
// restoration of the others continues.
func (r *Registry) Restore() {
	if r.store == nil {
		return
	}
	recs, err := r.store.LoadAllSessions()
	if err != nil {
		log.Printf("[registry] WARNING: restore skipped: %v", err)
		return
	}
	restored := 0
	for id, rec := range recs {
		rec := rec
		_, err := r.create(CreateOptions{
			ID:      id,
			Command: rec.Command,
			Args:    rec.Args,
			Cols:    rec.Cols,
			Rows:    rec.Rows,
			Cwd:     rec.Cwd,
			Env:     rec.Env,
		}, &rec)
		if err != nil {
			log.Printf("[registry] WARNING: cannot restore session %s: %v", id, err)
			r.store.DeleteSession(id)
			continue
		}
		restored++
	}
	if len(recs) > 0 {
		log.Printf("[registry] restored %d/%d sessions", restored, len(recs))
	}
}

// handleOutput runs on the PTY read goroutine: append to scrollback, mark
// for the next flush cycle, then fan out. Persistence never happens here.
func (r *Registry) handleOutput(s *Session, chunk []byte) {
	seq := s.buf.Append(chunk)
	s.markDirty()

	r.sinkMu.RLock()
	sinks := r.sinks
	r.sinkMu.RUnlock()
	for _, sink := range sinks {
		notifyOutput(sink, s.ID, chunk, seq)
	}
}

func notifyOutput(sink EventSink, id string, chunk []byte, seq uint64) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[registry] WARNING: output sink panic for session %s: %v", id, rec)
		}
	}()
	sink.OnSessionOutput(id, chunk, seq)
}

// handleExit tears the session down after its process terminated. This is
// the only path by which a session disappears without an explicit Kill.
func (r *Registry) handleExit(s *Session, status int) {
	s.setClosed()

	r.mu.Lock()
	cur, present := r.sessions[s.ID]
	if present && cur == s {
		delete(r.sessions, s.ID)
	} else {
		present = false // already removed by Kill
	}
	r.mu.Unlock()

	if present {
		log.Printf("[registry] session %s exited unexpectedly (status=%d)", s.ID, status)
		if r.store != nil {
			if err := r.store.DeleteSession(s.ID); err != nil {
				log.Printf("[registry] WARNING: delete record for %s: %v", s.ID, err)
			}
		}
	}

	s.exitOnce.Do(func() {
		r.sinkMu.RLock()
		sinks := r.sinks
		r.sinkMu.RUnlock()
		for _, sink := range sinks {
			notifyExit(sink, s.ID, status)
		}
	})
}

func notifyExit(sink EventSink, id string, status int) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[registry] WARNING: exit sink panic for session %s: %v", id, rec)
		}
	}()
	sink.OnSessionExit(id, status)
}

// Write routes input to the session's PTY. Returns false if the session is
// unknown or already closed; the caller surfaces that to its own client.
// Each call's bytes reach the PTY contiguously and in FIFO order.
func (r *Registry) Write(id string, data []byte) bool {
	s := r.get(id)
	if s == nil || s.isClosed() {
		return false
	}
	s.handle.Write(data)
	s.touch()
	return true
}

// Resize adjusts the session's terminal geometry. Returns false for an
// unknown session; a resize against an exited process is a logged no-op.
func (r *Registry) Resize(id string, cols, rows uint16) bool {
	s := r.get(id)
	if s == nil {
		return false
	}
	if err := s.handle.Resize(cols, rows); err != nil {
		log.Printf("[registry] resize session %s to %dx%d: %v", id, cols, rows, err)
		return true
	}
	s.setGeometry(cols, rows)
	s.touch()
	return true
}

// Kill terminates a session: process, buffer, durable record, registry
// entry. Idempotent; killing an unknown or already-killed session returns
// false, never an error.
func (r *Registry) Kill(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.setClosed()
	s.handle.Kill()
	s.buf.Reset()
	if r.store != nil {
		if err := r.store.DeleteSession(id); err != nil {
			log.Printf("[registry] WARNING: delete record for %s: %v", id, err)
		}
	}
	log.Printf("[registry] killed session %s", id)
	return true
}

func (r *Registry) get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Get returns metadata for one session.
func (r *Registry) Get(id string) (Info, bool) {
	s := r.get(id)
	if s == nil {
		return Info{}, false
	}
	return s.Info(), true
}

// List returns metadata for all live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// History returns the full scrollback snapshot for a session. ok is false
// for an unknown session.
func (r *Registry) History(id string) (data []byte, seq uint64, ok bool) {
	s := r.get(id)
	if s == nil {
		return nil, 0, false
	}
	data, seq = s.buf.Snapshot()
	return data, seq, true
}

// HistorySince returns the scrollback delta after sequence since. exact is
// false when that range was truncated away; callers fall back to History.
// ok is false for an unknown session.
func (r *Registry) HistorySince(id string, since uint64) (data []byte, seq uint64, exact, ok bool) {
	s := r.get(id)
	if s == nil {
		return nil, 0, false, false
	}
	data, seq, exact = s.buf.SnapshotSince(since)
	return data, seq, exact, true
}

// FlushDirty persists every session whose buffer changed since the last
// flush. Called on a timer; keeps disk writes off the output hot path.
func (r *Registry) FlushDirty() int {
	if r.store == nil {
		return 0
	}
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	flushed := 0
	for _, s := range sessions {
		if !s.swapDirty() {
			continue
		}
		if err := r.store.SaveSession(s.record()); err != nil {
			log.Printf("[registry] WARNING: flush session %s: %v", s.ID, err)
			s.markDirty() // retry next cycle
			continue
		}
		flushed++
	}
	return flushed
}

// SweepClosed removes sessions whose process has exited but that are still
// registered. Exit handling normally tears a session down on its own; the
// sweep catches the rare case where teardown raced a concurrent Kill. Live
// detached sessions are never swept.
func (r *Registry) SweepClosed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	swept := 0
	for id, s := range r.sessions {
		if s.isClosed() {
			delete(r.sessions, id)
			swept++
			log.Printf("[registry] swept closed session %s", id)
		}
	}
	return swept
}

// Shutdown persists every session and kills all processes. Used on graceful
// server stop; the records allow Restore to bring the sessions back.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if r.store != nil {
			if err := r.store.SaveSession(s.record()); err != nil {
				log.Printf("[registry] WARNING: final flush for %s: %v", s.ID, err)
			}
		}
		s.setClosed()
		s.handle.Kill()
	}
	if len(sessions) > 0 {
		log.Printf("[registry] shutdown: persisted and stopped %d sessions", len(sessions))
	}
}

func (r *Registry) persist(s *Session) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSession(s.record()); err != nil {
		log.Printf("[registry] WARNING: persist session %s: %v", s.ID, err)
	}
}
