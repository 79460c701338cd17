package term

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// ExecArgs are the one-shot exec parameters.
type ExecArgs struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

// Exec runs a single command, streaming start/data/exit events to the
// requesting connection under the request id. The returned value is the
// response data once the command completes.
func (m *Manager) Exec(ctx context.Context, connID, requestID string, args ExecArgs) (map[string]any, error) {
	if err := m.cfg.Policy.Check(args.Command); err != nil {
		return nil, err
	}

	cwd := args.Cwd
	if cwd == "" {
		cwd = m.cfg.DefaultCwd
	}
	if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(m.cfg.DefaultCwd, cwd)
	}
	if st, err := os.Stat(cwd); err != nil || !st.IsDir() {
		return nil, ws.Errf(ws.KindNotFound, "cwd %q does not exist", cwd)
	}

	cmd := shellCommand(m.cfg.Shell, args.Command)
	cmd.Dir = cwd
	cmd.Env = m.buildEnv()
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, ws.Errf(ws.KindUpstream, "spawn failed: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, ws.Errf(ws.KindUpstream, "spawn failed: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, ws.Errf(ws.KindUpstream, "spawn failed: %v", err)
	}

	child := &childProc{cmd: cmd, done: make(chan struct{})}
	m.publishExec(connID, requestID, map[string]any{
		"event": "start",
		"pid":   cmd.Process.Pid,
	})

	var pumps sync.WaitGroup
	pumps.Add(2)
	pump := func(r io.Reader) {
		defer pumps.Done()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				m.publishExec(connID, requestID, map[string]any{
					"event": "data",
					"chunk": Redact(string(buf[:n])),
				})
			}
			if err != nil {
				return
			}
		}
	}
	go pump(stdout)
	go pump(stderr)

	waitCh := make(chan error, 1)
	go func() {
		pumps.Wait()
		waitCh <- cmd.Wait()
		close(child.done)
	}()

	select {
	case err := <-waitCh:
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			return nil, ws.Errf(ws.KindUpstream, "exec failed: %v", err)
		}
		m.publishExec(connID, requestID, map[string]any{
			"event":    "exit",
			"exitCode": exitCode,
		})
		return map[string]any{"ok": true, "exitCode": exitCode}, nil

	case <-time.After(m.cfg.ExecTimeout):
		m.log.Warn("exec timed out", zap.String("command", args.Command))
		child.terminate(childGrace)
		return nil, ws.Errf(ws.KindTimeout, "exec exceeded %s", m.cfg.ExecTimeout)

	case <-ctx.Done():
		child.terminate(childGrace)
		return nil, ws.AsError(ctx.Err())
	}
}

func (m *Manager) publishExec(connID, requestID string, data map[string]any) {
	m.b.Publish(bus.Event{
		Type:      "terminal",
		ConnID:    connID,
		RequestID: requestID,
		Data:      data,
	})
}
