// Package server assembles the daemon: event bus, service handlers, the
// WebSocket multiplexer and the HTTP host serving /ws, /api and the static
// UI.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/acp"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/config"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/fs"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/git"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/term"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/tunnel"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// Version is the daemon build version, overridable at link time.
var Version = "0.1.0"

const (
	// portProbeRange is how many consecutive ports Start tries beyond the
	// configured one before giving up.
	portProbeRange = 10
	eventBusBuffer = 4096
)

// ErrPortExhausted is returned by Start when no port in the probe range is
// free.
var ErrPortExhausted = errors.New("no free port in probe range")

// ErrAgentInit marks failures bringing up the agent bridge's persistence;
// the CLI maps it to a distinct exit code.
var ErrAgentInit = errors.New("agent state unavailable")

// Server owns every daemon component and the HTTP listener.
type Server struct {
	cfg *config.Config
	log *zap.Logger

	bus      *bus.Bus
	store    *acp.Store
	terminal *term.Manager
	bridge   *acp.Bridge
	files    *fs.Service
	git      *git.Service
	tunnels  *tunnel.Manager
	mux      *ws.Mux

	httpServer *http.Server
	listener   net.Listener

	shutdownOnce sync.Once
	shutdownReq  chan struct{}

	mu        sync.Mutex
	port      int
	startedAt time.Time
}

// New wires the full service graph. Nothing listens until Start.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	eb := bus.New(eventBusBuffer, log.Named("bus"))

	store, err := acp.NewStore(cfg.ACP.DataDir, log.Named("acp"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentInit, err)
	}

	terminal := term.NewManager(term.Config{
		Shell:         cfg.Terminal.Shell,
		DefaultCwd:    cfg.Terminal.Cwd,
		MaxSessions:   cfg.Terminal.MaxSessions,
		Policy:        term.Policy{AllowUnsafe: cfg.Terminal.AllowUnsafe},
		EnvAllow:      cfg.Terminal.EnvAllow,
		EnvDeny:       cfg.Terminal.EnvDeny,
		InjectAICreds: cfg.Terminal.InjectAICreds,
	}, eb, log.Named("term"))

	bridge := acp.NewBridge(acp.Config{
		DataDir:         cfg.ACP.DataDir,
		Workspace:       cfg.WorkspaceRoot,
		ConnectTimeout:  cfg.ACP.ConnectTimeout,
		WarnSlowConnect: cfg.ACP.WarnSlowConnect,
		PromptTimeout:   cfg.ACP.PromptTimeout,
	}, eb, store, log.Named("acp"))

	resolver, err := fs.NewResolver(cfg.WorkspaceRoot, cfg.FS.FollowSymlinks, cfg.FS.DenyPaths)
	if err != nil {
		return nil, fmt.Errorf("workspace resolver: %w", err)
	}
	files := fs.NewService(resolver, eb, log.Named("fs"))

	gitSvc := git.NewService(git.Config{
		Workspace:        cfg.WorkspaceRoot,
		AllowDestructive: cfg.Git.AllowDestructive,
		Debug:            cfg.Git.Debug,
	}, log.Named("git"))

	installer := tunnel.NewInstaller(
		filepath.Join(cfg.ConfigDir, "bin"),
		"on-the-go-daemon/"+Version,
		log.Named("tunnel"),
	)
	if cfg.Tunnel.BinaryPath != "" {
		installer.UseBinary(cfg.Tunnel.BinaryPath)
	}
	tunnels := tunnel.NewManager(installer, eb, log.Named("tunnel"))

	mux := ws.New(ws.Config{
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		MaxConnections: cfg.WebSocket.MaxConnections,
		AuthToken:      cfg.Server.AuthToken,
		Permissive:     cfg.WebSocket.Permissive,
		// The mux deadline must outlive the exec engine's own wall clock so
		// exec answers with its result, not a transport timeout.
		ExecDeadline: terminal.ExecTimeout() + 5*time.Second,
	}, eb, log.Named("ws"))

	mux.Register("terminal", terminal.Handle)
	mux.Register("acp", bridge.Handle)
	mux.Register("fileSystem", files.Handle)
	mux.Register("git", gitSvc.Handle)
	mux.Register("tunnels", tunnels.Handle)
	mux.OnDisconnect(terminal.HandleDisconnect)
	mux.OnDisconnect(files.HandleDisconnect)

	s := &Server{
		cfg:         cfg,
		log:         log,
		bus:         eb,
		store:       store,
		terminal:    terminal,
		bridge:      bridge,
		files:       files,
		git:         gitSvc,
		tunnels:     tunnels,
		mux:         mux,
		shutdownReq: make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler: s.routes(),
		// WriteTimeout stays zero: /ws hijacks the connection and lives for
		// the whole client session.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start binds a listener and serves in the background. When the configured
// port is taken, the next ports are probed in order; ErrPortExhausted is
// returned when the whole range is busy.
func (s *Server) Start() error {
	ln, port, err := s.listen()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.port = port
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.log.Info("daemon listening",
		zap.String("host", s.cfg.Server.Host),
		zap.Int("port", port))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()

	if s.cfg.ACP.Autostart && len(s.cfg.ACP.AutostartAgents) > 0 {
		go s.autostartAgent()
	}
	return nil
}

// autostartAgent connects the first configured agent that comes up. The
// bridge hosts one agent at a time, so later entries are fallbacks.
func (s *Server) autostartAgent() {
	timeout := s.cfg.ACP.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	for _, agent := range s.cfg.ACP.AutostartAgents {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, err := s.bridge.Connect(ctx, acp.ConnectArgs{AgentCmd: agent})
		cancel()
		if err == nil {
			s.log.Info("agent autostarted", zap.String("agent", agent))
			return
		}
		s.log.Warn("agent autostart failed", zap.String("agent", agent), zap.Error(err))
	}
}

func (s *Server) listen() (net.Listener, int, error) {
	host := s.cfg.Server.Host
	base := s.cfg.Server.Port
	if base == 0 {
		// Port 0 delegates the choice to the OS; no probing needed.
		ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, err
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}

	for offset := 0; offset <= portProbeRange; offset++ {
		port := base + offset
		if port > 65535 {
			break
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err == nil {
			if offset > 0 {
				s.log.Warn("configured port busy, using fallback",
					zap.Int("configured", base),
					zap.Int("port", port))
			}
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %d-%d", ErrPortExhausted, base, base+portProbeRange)
}

// Port reports the bound port; zero before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ShutdownRequests is signalled once when a client POSTs /api/shutdown.
func (s *Server) ShutdownRequests() <-chan struct{} {
	return s.shutdownReq
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownReq) })
}

// Stop tears the daemon down in reverse construction order: client
// connections first, then services, then the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("daemon stopping")

	s.mux.Shutdown(ctx)
	s.bridge.Close()
	s.terminal.Close()
	s.files.Close()
	s.tunnels.StopAll()

	return s.httpServer.Shutdown(ctx)
}

// statusPayload is the GET /api/status response body.
type statusPayload struct {
	Running     bool   `json:"running"`
	Port        int    `json:"port"`
	PID         int    `json:"pid"`
	Uptime      int64  `json:"uptime"`
	Connections int    `json:"connections"`
	Version     string `json:"version"`
	StartedAt   string `json:"startedAt"`
}

func (s *Server) status() statusPayload {
	s.mu.Lock()
	port := s.port
	started := s.startedAt
	s.mu.Unlock()
	return statusPayload{
		Running:     true,
		Port:        port,
		PID:         os.Getpid(),
		Uptime:      int64(time.Since(started).Seconds()),
		Connections: s.mux.ConnCount(),
		Version:     Version,
		StartedAt:   started.UTC().Format(time.RFC3339),
	}
}
