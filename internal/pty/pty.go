// Package pty wraps a single child process bound to a pseudo-terminal.
//
// It builds on github.com/creack/pty to expose typed operations (write,
// resize, kill) plus callback-based delivery of output chunks and the exit
// status. The package is used by the session registry; nothing here knows
// about sessions or clients.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Geometry bounds for spawn and resize. A PTY with zero or absurd dimensions
// confuses most terminal emulators, so both are rejected up front.
const (
	MinCols uint16 = 1
	MaxCols uint16 = 999
	MinRows uint16 = 1
	MaxRows uint16 = 999
)

// DefaultCols and DefaultRows are used when the caller does not specify a size.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// readChunkSize is the PTY master read buffer size. Chunk boundaries carry no
// meaning; callers must not treat chunks as message frames.
const readChunkSize = 32 * 1024

// ErrBadGeometry reports a terminal size outside [1,999] in either axis.
var ErrBadGeometry = errors.New("terminal geometry out of range")

// ValidateGeometry checks that cols and rows are within [1,999].
func ValidateGeometry(cols, rows uint16) error {
	if cols < MinCols || cols > MaxCols {
		return fmt.Errorf("%w: cols %d not in [%d,%d]", ErrBadGeometry, cols, MinCols, MaxCols)
	}
	if rows < MinRows || rows > MaxRows {
		return fmt.Errorf("%w: rows %d not in [%d,%d]", ErrBadGeometry, rows, MinRows, MaxRows)
	}
	return nil
}

// SpawnOptions describes the process to start.
type SpawnOptions struct {
	Command string
	Args    []string
	Cols    uint16
	Rows    uint16
	Cwd     string
	Env     map[string]string
}

// Handle owns exactly one PTY-backed child process.
type Handle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	// writeMu serializes writes into the PTY so concurrent callers cannot
	// interleave their bytes.
	writeMu sync.Mutex

	mu     sync.Mutex
	exited bool

	killOnce sync.Once
	done     chan struct{}
}

// Spawn starts command with a pseudo-terminal of the given size and begins
// draining its output. onData is invoked from a single goroutine with each
// chunk as the OS delivers it; onExit is invoked exactly once, after the last
// chunk, with the process exit status. Spawn errors (missing executable,
// denied permission, PTY allocation failure) are returned directly and are
// never retried here.
func Spawn(opts SpawnOptions, onData func([]byte), onExit func(status int)) (*Handle, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if err := ValidateGeometry(opts.Cols, opts.Rows); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(opts.Command); err != nil {
		return nil, fmt.Errorf("resolve command %q: %w", opts.Command, err)
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = buildEnv(opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty for %q: %w", opts.Command, err)
	}

	h := &Handle{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go h.readLoop(onData, onExit)
	return h, nil
}

// readLoop drains the PTY master until the process exits, then reaps it.
func (h *Handle) readLoop(onData func([]byte), onExit func(status int)) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			// On Linux the master read fails with EIO once the child
			// exits; treat any read error as end of stream.
			break
		}
	}

	h.ptmx.Close()
	h.cmd.Wait()

	status := -1
	if h.cmd.ProcessState != nil {
		status = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
	close(h.done)

	if onExit != nil {
		onExit(status)
	}
}

// Write queues data to the process's input. It never returns an error: a
// write against a dead process is dropped and the failure surfaces through
// the exit callback instead.
func (h *Handle) Write(p []byte) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.Exited() {
		return
	}
	h.ptmx.Write(p)
}

// Resize changes the PTY window size. It fails if the geometry is invalid or
// the process has already exited.
func (h *Handle) Resize(cols, rows uint16) error {
	if err := ValidateGeometry(cols, rows); err != nil {
		return err
	}
	if h.Exited() {
		return fmt.Errorf("process has exited")
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("setsize: %w", err)
	}
	return nil
}

// Kill requests process termination. Safe to call multiple times and on an
// already-dead process.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		if h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
	})
}

// Exited reports whether the child process has terminated.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Done returns a channel closed when the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Pid returns the child process ID, or 0 before start.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// buildEnv merges overrides onto the parent environment and guarantees TERM
// is set so full-screen programs behave.
func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	if overrides == nil {
		overrides = map[string]string{}
	}
	if _, ok := overrides["TERM"]; !ok {
		overrides = cloneWith(overrides, "TERM", "xterm-256color")
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func cloneWith(m map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for mk, mv := range m {
		out[mk] = mv
	}
	out[k] = v
	return out
}
