// Package term implements the shell session engine: long-lived line- or
// pipe-mode sessions with output buffering across client disconnects, output
// redaction, command safety gating, one-shot exec, and idle reaping.
package term

import (
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// EngineMode selects how a session runs commands.
type EngineMode string

const (
	// EngineLine collects input into lines; each line spawns its own child
	// (builtins excepted).
	EngineLine EngineMode = "line"
	// EnginePipe runs one long-lived shell with piped stdio.
	EnginePipe EngineMode = "pipe"
)

// childGrace is how long a child gets between the interrupt signal and the
// hard kill.
const childGrace = 500 * time.Millisecond

// childProc wraps a running child with its wait state.
type childProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

// terminate interrupts the child and escalates to a hard kill after the
// grace period.
func (p *childProc) terminate(grace time.Duration) {
	interruptProc(p.cmd)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	killProc(p.cmd)
	select {
	case <-p.done:
	case <-time.After(grace):
	}
}

// Session is one shell session. Output is appended to the ring buffer raw;
// whatever goes on the wire is redacted first.
type Session struct {
	ID   string
	Mode EngineMode

	mgr *Manager

	mu            sync.Mutex
	ownerConn     string
	attached      bool
	persistent    bool
	cwd           string
	env           []string
	cols, rows    int
	createdAt     time.Time
	lastActivity  time.Time
	disposed      bool
	ring          *chunkRing
	lastDelivered uint64

	// Line engine state.
	lineBuf []byte
	lines   chan string

	// The currently running child: the per-line command in line mode, the
	// shell itself in pipe mode.
	child *childProc
}

// Info is the list-sessions view of a session.
type Info struct {
	SessionID    string     `json:"sessionId"`
	Persistent   bool       `json:"persistent"`
	LastActivity int64      `json:"lastActivity"`
	EngineMode   EngineMode `json:"engineMode"`
	Cwd          string     `json:"cwd"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:    s.ID,
		Persistent:   s.persistent,
		LastActivity: s.lastActivity.UnixMilli(),
		EngineMode:   s.Mode,
		Cwd:          s.cwd,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Session) isPersistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistent
}

// emit records a chunk and, when a client is attached, sends the redacted
// form to the owning connection. Both the append and the publish happen
// under the session lock so wire order, buffer order and lastDelivered stay
// consistent; bus publish never blocks.
func (s *Session) emit(data string) {
	if data == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ring.Append(data)
	s.lastActivity = time.Now()
	if !s.attached || s.disposed {
		return
	}
	s.lastDelivered = c.Seq
	s.mgr.publishData(s.ownerConn, s.ID, Redact(data))
}

// attach makes connID the owning connection and flushes everything buffered
// since the last delivered chunk, in order, redacted.
func (s *Session) attach(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownerConn = connID
	s.attached = true
	s.lastActivity = time.Now()
	for _, c := range s.ring.Since(s.lastDelivered) {
		s.lastDelivered = c.Seq
		s.mgr.publishData(connID, s.ID, Redact(c.Data))
	}
}

// detach marks the session ownerless; output buffers until the next attach.
func (s *Session) detach(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerConn == connID {
		s.attached = false
	}
}

// owner returns the current owning connection id, if attached.
func (s *Session) owner() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerConn, s.attached
}

// resize records new dimensions. Without a real PTY there is nothing to
// forward; line-mode prompts and pipe-mode children see only the env.
func (s *Session) resize(cols, rows int) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// input routes client bytes into the engine.
func (s *Session) input(data string) error {
	s.touch()
	switch s.Mode {
	case EnginePipe:
		return s.pipeInput(data)
	default:
		return s.lineInput(data)
	}
}

// interrupt delivers Ctrl-C semantics to the active child. In line mode the
// per-line child is interrupted and hard-killed if it lingers; in pipe mode
// the interrupt goes to the shell's process group without escalation, since
// killing the group would take the shell down with its foreground command.
func (s *Session) interrupt() {
	s.mu.Lock()
	child := s.child
	mode := s.Mode
	s.mu.Unlock()
	if child == nil {
		return
	}
	if mode == EnginePipe {
		interruptProc(child.cmd)
		return
	}
	go child.terminate(childGrace)
}

// dispose tears the session down: terminate any live child and stop the line
// worker.
func (s *Session) dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	child := s.child
	lines := s.lines
	s.mu.Unlock()

	if lines != nil {
		close(lines)
	}
	if child != nil {
		child.terminate(childGrace)
	}
}

func (s *Session) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// shellCommand builds the platform shell invocation for one command line.
func shellCommand(shell, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		if shell == "" {
			shell = "cmd.exe"
		}
		return exec.Command(shell, "/C", command)
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	return exec.Command(shell, "-c", command)
}

// remapCR rewrites lone carriage returns to CRLF. Pipe-mode children on
// Windows emit bare \r for progress updates that xterm-alikes render as
// overwrites of the wrong line.
func remapCR(data string) string {
	if !strings.Contains(data, "\r") {
		return data
	}
	var b strings.Builder
	b.Grow(len(data))
	for i := 0; i < len(data); i++ {
		ch := data[i]
		if ch == '\r' && (i+1 >= len(data) || data[i+1] != '\n') {
			b.WriteString("\r\n")
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}
