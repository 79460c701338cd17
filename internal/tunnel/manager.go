package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

const (
	urlTimeout = 60 * time.Second
	stopGrace  = 5 * time.Second
)

// urlPattern matches the public URL cloudflared prints on stderr. Quick
// tunnels land on trycloudflare.com; named tunnels print their hostname.
var urlPattern = regexp.MustCompile(`https://[a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,}`)

// State is a tunnel lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Tunnel is one supervised cloudflared child.
type Tunnel struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	LocalPort int    `json:"localPort,omitempty"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url,omitempty"`
	State     State  `json:"state"`
	Error     string `json:"error,omitempty"`

	cmd  *exec.Cmd
	done chan struct{}
}

// Manager owns all tunnels and the binary installer.
type Manager struct {
	installer *Installer
	bus       *bus.Bus
	log       *zap.Logger

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// NewManager builds the tunnel supervisor.
func NewManager(installer *Installer, b *bus.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		installer: installer,
		bus:       b,
		log:       log,
		tunnels:   make(map[string]*Tunnel),
	}
}

// CreateArgs are the arguments to the create op.
type CreateArgs struct {
	Type      string `json:"type"`
	LocalPort int    `json:"localPort"`
	Name      string `json:"name"`
	Token     string `json:"token"`
}

// Create spawns a tunnel child and begins URL extraction.
func (m *Manager) Create(ctx context.Context, args CreateArgs) (*Tunnel, error) {
	switch args.Type {
	case "quick":
		if args.LocalPort <= 0 || args.LocalPort > 65535 {
			return nil, ws.Errf(ws.KindMalformed, "localPort must be 1-65535")
		}
	case "named":
		if strings.TrimSpace(args.Name) == "" {
			return nil, ws.Errf(ws.KindMalformed, "named tunnel requires a name")
		}
	default:
		return nil, ws.Errf(ws.KindMalformed, "type must be quick or named")
	}

	bin, err := m.installer.Ensure(ctx)
	if err != nil {
		return nil, err
	}

	var cmdArgs []string
	if args.Type == "quick" {
		cmdArgs = []string{"--no-autoupdate", "tunnel", "--url", fmt.Sprintf("http://localhost:%d", args.LocalPort)}
	} else {
		cmdArgs = []string{"tunnel", "run", args.Name}
		if args.Token != "" {
			cmdArgs = []string{"tunnel", "run", "--token", args.Token, args.Name}
		}
	}

	cmd := exec.Command(bin, cmdArgs...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, ws.Errf(ws.KindUpstream, "tunnel stderr: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, ws.Errf(ws.KindUpstream, "tunnel stdout: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, ws.Errf(ws.KindUpstream, "spawn tunnel: %v", err)
	}

	t := &Tunnel{
		ID:        uuid.NewString(),
		Kind:      args.Type,
		LocalPort: args.LocalPort,
		Name:      args.Name,
		State:     StateStarting,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.tunnels[t.ID] = t
	m.mu.Unlock()
	m.publishStatus(t)

	urls := make(chan string, 1)
	go m.scanOutput(t, stderr, urls)
	go m.scanOutput(t, stdout, urls)
	go m.awaitURL(t, urls)
	go m.waitChild(t)

	m.log.Info("tunnel starting",
		zap.String("tunnel_id", t.ID),
		zap.String("kind", t.Kind),
		zap.Int("local_port", t.LocalPort))
	m.mu.Lock()
	snap := t.snapshot()
	m.mu.Unlock()
	return snap, nil
}

// scanOutput reads child output line by line looking for the public URL.
func (m *Manager) scanOutput(t *Tunnel, r io.Reader, urls chan<- string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 256<<10)
	for sc.Scan() {
		line := sc.Text()
		if match := urlPattern.FindString(line); match != "" && !strings.Contains(match, "cloudflare.com/") {
			select {
			case urls <- match:
			default:
			}
		}
	}
}

func (m *Manager) awaitURL(t *Tunnel, urls <-chan string) {
	select {
	case url := <-urls:
		m.mu.Lock()
		if t.State == StateStarting {
			t.URL = url
			t.State = StateRunning
		}
		m.mu.Unlock()
		m.log.Info("tunnel running", zap.String("tunnel_id", t.ID), zap.String("url", url))
		m.publishStatus(t)
	case <-time.After(urlTimeout):
		m.mu.Lock()
		stillStarting := t.State == StateStarting
		if stillStarting {
			t.State = StateError
			t.Error = "no public URL within 60s"
		}
		m.mu.Unlock()
		if stillStarting {
			m.log.Warn("tunnel URL extraction timed out", zap.String("tunnel_id", t.ID))
			m.publishStatus(t)
			m.terminate(t)
		}
	case <-t.done:
	}
}

func (m *Manager) waitChild(t *Tunnel) {
	err := t.cmd.Wait()
	close(t.done)

	m.mu.Lock()
	switch t.State {
	case StateStopping, StateStopped:
		t.State = StateStopped
	case StateError:
	default:
		t.State = StateError
		if err != nil {
			t.Error = err.Error()
		} else {
			t.Error = "tunnel exited unexpectedly"
		}
	}
	m.mu.Unlock()
	m.publishStatus(t)
}

// Stop terminates one tunnel: graceful kill, 5 s grace, then hard kill.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	if ok {
		t.State = StateStopping
	}
	m.mu.Unlock()
	if !ok {
		return ws.Errf(ws.KindNotFound, "tunnel %q not found", id)
	}
	m.publishStatus(t)
	m.terminate(t)

	m.mu.Lock()
	delete(m.tunnels, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) terminate(t *Tunnel) {
	if t.cmd.Process == nil {
		return
	}
	signalTerm(t.cmd.Process)
	select {
	case <-t.done:
	case <-time.After(stopGrace):
		_ = t.cmd.Process.Kill()
		<-t.done
	}
}

// StopAll stops every tunnel; used on daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tunnels))
	for id := range m.tunnels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Stop(id)
	}
}

// List returns a snapshot of all tunnels.
func (m *Manager) List() []*Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t.snapshot())
	}
	return out
}

// Get returns one tunnel's snapshot.
func (m *Manager) Get(id string) (*Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	if !ok {
		return nil, ws.Errf(ws.KindNotFound, "tunnel %q not found", id)
	}
	return t.snapshot(), nil
}

func (t *Tunnel) snapshot() *Tunnel {
	return &Tunnel{
		ID:        t.ID,
		Kind:      t.Kind,
		LocalPort: t.LocalPort,
		Name:      t.Name,
		URL:       t.URL,
		State:     t.State,
		Error:     t.Error,
	}
}

func (m *Manager) publishStatus(t *Tunnel) {
	m.mu.Lock()
	snap := t.snapshot()
	m.mu.Unlock()
	data := map[string]any{"id": snap.ID, "state": string(snap.State)}
	if snap.URL != "" {
		data["url"] = snap.URL
	}
	if snap.Error != "" {
		data["error"] = snap.Error
	}
	m.bus.Publish(bus.Event{Type: "tunnel_status", Data: data})
}

// Handle is the WebSocket service handler for envelope type "tunnels".
func (m *Manager) Handle(ctx context.Context, connID string, env *ws.Envelope) (any, error) {
	switch env.Op {
	case "list", "status":
		return map[string]any{"tunnels": m.List()}, nil

	case "create":
		var args CreateArgs
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		t, err := m.Create(ctx, args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tunnel": t}, nil

	case "stop":
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := m.Stop(args.ID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "stopAll", "stop-all":
		m.StopAll()
		return map[string]any{"ok": true}, nil

	case "install":
		path, err := m.installer.Ensure(ctx)
		if err != nil {
			return nil, err
		}
		_, version := m.installer.Status()
		return map[string]any{"path": path, "version": version}, nil

	default:
		return nil, ws.Errf(ws.KindMalformed, "unknown tunnels op %q", env.Op)
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ws.Errf(ws.KindMalformed, "missing arguments")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ws.Errf(ws.KindMalformed, "invalid arguments: %v", err)
	}
	return nil
}
