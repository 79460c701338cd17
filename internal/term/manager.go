package term

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

const (
	// reapInterval is how often idle sessions are swept.
	reapInterval = 60 * time.Second
	// idleEphemeral / idlePersistent are the default idle windows.
	idleEphemeral  = 15 * time.Minute
	idlePersistent = 30 * time.Minute
	// defaultExecTimeout bounds one-shot exec commands.
	defaultExecTimeout = 30 * time.Second
)

// aiCredentialVars are stripped from session environments unless credential
// injection is enabled.
var aiCredentialVars = []string{
	"ANTHROPIC_API_KEY",
	"CLAUDE_CODE_OAUTH_TOKEN",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
}

// Config holds the session engine settings.
type Config struct {
	// Shell is the command interpreter for pipe sessions and line spawns.
	Shell string
	// DefaultCwd is the working directory for new sessions.
	DefaultCwd string
	// MaxSessions caps concurrent sessions.
	MaxSessions int
	// Policy gates exec and line-mode spawns.
	Policy Policy
	// EnvAllow, when non-empty, restricts inherited environment variables to
	// the listed names (plus a small essential set). EnvDeny always strips.
	EnvAllow []string
	EnvDeny  []string
	// InjectAICreds passes ANTHROPIC_API_KEY and siblings into sessions.
	InjectAICreds bool
	// ExecTimeout bounds one-shot exec commands; zero selects the default.
	ExecTimeout time.Duration
	// IdleEphemeral / IdlePersistent override the idle reap windows.
	IdleEphemeral  time.Duration
	IdlePersistent time.Duration
}

// Manager owns all shell sessions and the idle reaper.
type Manager struct {
	cfg Config
	b   *bus.Bus
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates the session engine and starts its idle reaper.
func NewManager(cfg Config, b *bus.Bus, log *zap.Logger) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 50
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.IdleEphemeral <= 0 {
		cfg.IdleEphemeral = idleEphemeral
	}
	if cfg.IdlePersistent <= 0 {
		cfg.IdlePersistent = idlePersistent
	}
	if cfg.DefaultCwd == "" {
		cfg.DefaultCwd, _ = os.Getwd()
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		b:        b,
		log:      log,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// ExecTimeout reports the effective one-shot exec wall clock after
// defaulting.
func (m *Manager) ExecTimeout() time.Duration {
	return m.cfg.ExecTimeout
}

// CreateArgs are the create operation parameters.
type CreateArgs struct {
	Cols       int        `json:"cols"`
	Rows       int        `json:"rows"`
	Cwd        string     `json:"cwd,omitempty"`
	Persistent bool       `json:"persistent,omitempty"`
	EngineMode EngineMode `json:"engineMode,omitempty"`
}

// Create allocates a new session owned by connID.
func (m *Manager) Create(connID string, args CreateArgs) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ws.Errf(ws.KindConflict, "session limit reached (%d)", m.cfg.MaxSessions)
	}
	m.mu.Unlock()

	id, err := newSessionID()
	if err != nil {
		return nil, ws.Errf(ws.KindUpstream, "generate session id: %v", err)
	}

	mode := args.EngineMode
	switch mode {
	case "", EngineLine:
		mode = EngineLine
	case EnginePipe:
	default:
		return nil, ws.Errf(ws.KindMalformed, "unknown engine mode %q", args.EngineMode)
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

	cols, rows := args.Cols, args.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Mode:         mode,
		mgr:          m,
		ownerConn:    connID,
		attached:     true,
		persistent:   args.Persistent,
		cwd:          cwd,
		env:          m.buildEnv(),
		cols:         cols,
		rows:         rows,
		createdAt:    now,
		lastActivity: now,
		ring:         newChunkRing(),
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ws.Errf(ws.KindConflict, "session limit reached (%d)", m.cfg.MaxSessions)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	switch mode {
	case EnginePipe:
		if err := s.startPipeShell(); err != nil {
			m.removeSession(id)
			return nil, err
		}
	default:
		s.startLineWorker()
	}

	m.log.Info("terminal session created",
		zap.String("session_id", id),
		zap.String("mode", string(mode)),
		zap.Bool("persistent", args.Persistent))
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ws.Errf(ws.KindNotFound, "session %q not found", sessionID)
	}
	return s, nil
}

// Dispose terminates and removes a session.
func (m *Manager) Dispose(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ws.Errf(ws.KindNotFound, "session %q not found", sessionID)
	}
	s.dispose()
	m.log.Info("terminal session disposed", zap.String("session_id", sessionID))
	return nil
}

// List returns a snapshot of all sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// HandleDisconnect detaches every session owned by a closed connection.
func (m *Manager) HandleDisconnect(connID string) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.detach(connID)
	}
}

// Close disposes every session and stops the reaper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.dispose()
	}
}

// removeSession drops a session from the table without disposing it.
func (m *Manager) removeSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// sessionExited handles a pipe shell exiting on its own.
func (m *Manager) sessionExited(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if ok {
		s.dispose()
		m.log.Info("terminal session ended, shell exited", zap.String("session_id", sessionID))
	}
}

// publishData emits one output chunk to the owning connection.
func (m *Manager) publishData(connID, sessionID, chunk string) {
	m.b.Publish(bus.Event{
		Type:   "terminal",
		ConnID: connID,
		Data: map[string]any{
			"op":        "data",
			"sessionId": sessionID,
			"chunk":     chunk,
		},
	})
}

// reapLoop sweeps idle sessions every minute.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.ReapIdle(); n > 0 {
				m.log.Info("reaped idle terminal sessions", zap.Int("count", n))
			}
		}
	}
}

// ReapIdle disposes sessions idle beyond their window and returns how many.
func (m *Manager) ReapIdle() int {
	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		window := m.cfg.IdleEphemeral
		if s.isPersistent() {
			window = m.cfg.IdlePersistent
		}
		if s.idleFor() > window {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		_ = m.Dispose(id)
	}
	return len(expired)
}

// buildEnv produces the sanitized child environment: deny list applied,
// allow list enforced when present, AI credentials stripped unless injection
// is on, and TERM defaulted.
func (m *Manager) buildEnv() []string {
	essential := map[string]struct{}{
		"PATH": {}, "HOME": {}, "USER": {}, "SHELL": {}, "LANG": {},
		"LC_ALL": {}, "TMPDIR": {}, "TERM": {},
	}
	allow := map[string]struct{}{}
	for _, name := range m.cfg.EnvAllow {
		allow[name] = struct{}{}
	}
	deny := map[string]struct{}{}
	for _, name := range m.cfg.EnvDeny {
		deny[name] = struct{}{}
	}
	if !m.cfg.InjectAICreds {
		for _, name := range aiCredentialVars {
			deny[name] = struct{}{}
		}
	}

	var env []string
	hasTerm := false
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, denied := deny[name]; denied {
			continue
		}
		if len(allow) > 0 {
			_, allowed := allow[name]
			_, ess := essential[name]
			if !allowed && !ess {
				continue
			}
		}
		if name == "TERM" {
			hasTerm = true
		}
		env = append(env, kv)
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	return env
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
