package term

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// startPipeShell spawns the session's long-lived shell with piped stdio.
func (s *Session) startPipeShell() error {
	s.mu.Lock()
	cwd, env, shell := s.cwd, s.env, s.mgr.cfg.Shell
	s.mu.Unlock()

	cmd := shellCommand(shell, "")
	// An empty command means "run the shell itself".
	cmd.Args = cmd.Args[:1]
	cmd.Dir = cwd
	cmd.Env = env
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ws.Errf(ws.KindUpstream, "spawn failed: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ws.Errf(ws.KindUpstream, "spawn failed: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ws.Errf(ws.KindUpstream, "spawn failed: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return ws.Errf(ws.KindUpstream, "spawn failed: %v", err)
	}

	child := &childProc{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	s.mu.Lock()
	s.child = child
	s.mu.Unlock()

	remap := runtime.GOOS == "windows"
	var pumps sync.WaitGroup
	pump := func(reader io.Reader) {
		defer pumps.Done()
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				s.emitPipe(string(buf[:n]), remap)
			}
			if err != nil {
				return
			}
		}
	}
	pumps.Add(2)
	go pump(stdout)
	go pump(stderr)

	go func() {
		// Wait closes the stdio pipes; draining them first keeps the tail
		// of the shell's output ahead of the exit notice.
		pumps.Wait()
		err := cmd.Wait()
		close(child.done)
		s.mu.Lock()
		s.child = nil
		disposed := s.disposed
		s.mu.Unlock()
		if !disposed {
			if err != nil {
				s.emit(fmt.Sprintf("\r\n[shell exited: %v]\r\n", err))
			} else {
				s.emit("\r\n[shell exited]\r\n")
			}
			s.mgr.sessionExited(s.ID)
		}
	}()
	return nil
}

func (s *Session) emitPipe(data string, remap bool) {
	if remap {
		data = remapCR(data)
	}
	s.emit(data)
}

// pipeInput writes client bytes to the shell's stdin. Ctrl-C interrupts the
// shell's process group.
func (s *Session) pipeInput(data string) error {
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
	if child == nil || child.stdin == nil {
		return ws.Errf(ws.KindUpstream, "shell is not running")
	}
	_, err := child.stdin.Write(raw)
	if err != nil {
		return ws.Errf(ws.KindUpstream, "write to shell failed: %v", err)
	}
	return nil
}
