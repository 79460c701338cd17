package term

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ansiClear is the clear-screen sequence injected for the clear/cls builtins.
const ansiClear = "\x1b[2J\x1b[H"

// startLineWorker begins the per-session goroutine that executes submitted
// lines one at a time, and renders the initial prompt.
func (s *Session) startLineWorker() {
	s.lines = make(chan string, 32)
	go func() {
		for line := range s.lines {
			s.runLine(line)
		}
	}()
	s.prompt()
}

// lineInput buffers bytes until a line terminator. While a child is running,
// bytes are forwarded to its stdin instead so line programs that read input
// still work. Ctrl-C interrupts the active child.
func (s *Session) lineInput(data string) error {
	raw := []byte(data)
	if bytes.IndexByte(raw, 0x03) >= 0 {
		s.interrupt()
		raw = bytes.ReplaceAll(raw, []byte{0x03}, nil)
	}
	if len(raw) == 0 {
		return nil
	}

	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child != nil && child.stdin != nil {
		_, err := child.stdin.Write(raw)
		return err
	}

	s.mu.Lock()
	s.lineBuf = append(s.lineBuf, raw...)
	var complete []string
	for {
		idx := bytes.IndexAny(s.lineBuf, "\r\n")
		if idx < 0 {
			break
		}
		line := string(s.lineBuf[:idx])
		rest := s.lineBuf[idx+1:]
		// Swallow the \n of a \r\n pair.
		if s.lineBuf[idx] == '\r' && len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
		s.lineBuf = rest
		complete = append(complete, line)
	}
	lines := s.lines
	disposed := s.disposed
	s.mu.Unlock()

	if disposed {
		return nil
	}
	for _, line := range complete {
		select {
		case lines <- line:
		default:
			s.emit("\r\ninput dropped: command queue full\r\n")
		}
	}
	return nil
}

// runLine executes one submitted line: dim echo, builtin interception, then
// a child spawn gated by the safety policy. The prompt is re-rendered after
// every outcome, including spawn failure.
func (s *Session) runLine(line string) {
	trimmed := strings.TrimSpace(line)
	s.emit("\x1b[2m" + line + "\x1b[0m\r\n")

	switch {
	case trimmed == "":
	case trimmed == "clear" || trimmed == "cls":
		s.emit(ansiClear)
	case trimmed == "cd" || strings.HasPrefix(trimmed, "cd "):
		s.builtinCd(strings.TrimSpace(strings.TrimPrefix(trimmed, "cd")))
	default:
		if err := s.mgr.cfg.Policy.Check(trimmed); err != nil {
			s.emit(fmt.Sprintf("%s\r\n", err))
		} else {
			s.spawnLine(trimmed)
		}
	}
	s.prompt()
}

// builtinCd changes the session working directory in-process.
func (s *Session) builtinCd(dir string) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			s.emit("cd: cannot resolve home directory\r\n")
			return
		}
		dir = home
	}
	s.mu.Lock()
	cwd := s.cwd
	s.mu.Unlock()
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cwd, dir)
	}
	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		s.emit(fmt.Sprintf("cd: no such directory: %s\r\n", dir))
		return
	}
	s.mu.Lock()
	s.cwd = dir
	s.mu.Unlock()
}

// spawnLine runs one command to completion, streaming its output into the
// session. A spawn failure leaves the session alive.
func (s *Session) spawnLine(command string) {
	s.mu.Lock()
	cwd, env, shell := s.cwd, s.env, s.mgr.cfg.Shell
	s.mu.Unlock()

	cmd := shellCommand(shell, command)
	cmd.Dir = cwd
	cmd.Env = env
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.emit(fmt.Sprintf("spawn failed: %v\r\n", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.emit(fmt.Sprintf("spawn failed: %v\r\n", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.emit(fmt.Sprintf("spawn failed: %v\r\n", err))
		return
	}
	if err := cmd.Start(); err != nil {
		s.emit(fmt.Sprintf("spawn failed: %v\r\n", err))
		return
	}

	child := &childProc{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	s.mu.Lock()
	s.child = child
	s.mu.Unlock()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pumpOutput(stdout, &pumps)
	go s.pumpOutput(stderr, &pumps)
	pumps.Wait()

	err = cmd.Wait()
	close(child.done)

	s.mu.Lock()
	s.child = nil
	s.mu.Unlock()

	if err != nil {
		if exitMsg := exitMessage(err); exitMsg != "" {
			s.emit(exitMsg)
		}
	}
}

// pumpOutput streams one child pipe into the session buffer.
func (s *Session) pumpOutput(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			s.emit(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// prompt renders the cwd-labeled prompt.
func (s *Session) prompt() {
	s.mu.Lock()
	cwd := s.cwd
	s.mu.Unlock()
	s.emit("\r\n" + cwd + " $ ")
}

// exitMessage renders a non-zero exit for display, empty for exit status 0
// and plain signal kills.
func exitMessage(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "exit status") {
		return "\r\n[" + msg + "]\r\n"
	}
	return ""
}
