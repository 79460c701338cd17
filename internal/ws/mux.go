package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
)

// Config holds the multiplexer settings.
type Config struct {
	AllowedOrigins []string
	MaxConnections int
	// AuthToken, when non-empty, must be presented on upgrade via ?token= or
	// an Authorization: Bearer header.
	AuthToken string
	// Permissive downgrades unknown envelope fields from errors to warnings.
	Permissive bool
	// ExecDeadline is the response deadline for terminal.exec. It should
	// exceed the exec engine's own wall clock so that clock fires first;
	// zero selects a default matching the engine's 30s.
	ExecDeadline time.Duration
}

// HandlerFunc processes one request envelope for a service. The returned
// value becomes the response data; a returned error becomes an error frame.
type HandlerFunc func(ctx context.Context, connID string, env *Envelope) (any, error)

// Mux terminates client WebSocket connections, routes typed envelopes to
// registered service handlers, correlates responses by id with per-operation
// deadlines, and fans bus events out to connections.
type Mux struct {
	cfg Config
	log *zap.Logger
	b   *bus.Bus

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*Conn
	handlers map[string]HandlerFunc
	hooks    []func(connID string)
	closed   bool

	events <-chan bus.Event
	wg     sync.WaitGroup
}

// New creates a multiplexer wired to the event bus. Events published to the
// bus are delivered to their target connection, or to all connections when
// untargeted.
func New(cfg Config, b *bus.Bus, log *zap.Logger) *Mux {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Mux{
		cfg:      cfg,
		log:      log,
		b:        b,
		conns:    make(map[string]*Conn),
		handlers: make(map[string]HandlerFunc),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Same-origin or non-browser client.
				return true
			}
			return m.originAllowed(origin)
		},
	}
	if b != nil {
		m.events = b.Subscribe()
		m.wg.Add(1)
		go m.fanOut()
	}
	return m
}

// Register installs the handler for a service envelope type. Registering the
// same type twice replaces the previous handler.
func (m *Mux) Register(service string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[service] = h
}

// OnDisconnect adds a hook invoked with the connection id after a connection
// closes. Services use it to drop per-connection state (watchers, session
// ownership).
func (m *Mux) OnDisconnect(fn func(connID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// originAllowed checks an Origin header value against the allowlist.
// Patterns may contain a wildcard, e.g. "https://*.example.com".
func (m *Mux) originAllowed(origin string) bool {
	for _, allowed := range m.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	m.log.Warn("websocket origin rejected",
		zap.String("origin", origin),
		zap.Strings("allowed", m.cfg.AllowedOrigins))
	return false
}

// matchWildcardOrigin reports whether origin matches a single-wildcard
// pattern like "https://*.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	if !strings.HasPrefix(origin, parts[0]) || !strings.HasSuffix(origin, parts[1]) {
		return false
	}
	middle := origin[len(parts[0]) : len(origin)-len(parts[1])]
	return !strings.Contains(middle, "/")
}

// HandleUpgrade is the HTTP handler for GET /ws.
func (m *Mux) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if m.cfg.AuthToken != "" && !m.tokenOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.log.Warn("upgrade refused, too many connections",
			zap.Int("max", m.cfg.MaxConnections))
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	m.mu.Unlock()

	sock, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(uuid.NewString(), sock, r.Header.Get("Origin"), m, m.log)

	m.mu.Lock()
	if m.closed || len(m.conns) >= m.cfg.MaxConnections {
		// Lost the race against capacity or shutdown after upgrading.
		closed := m.closed
		m.mu.Unlock()
		if closed {
			c.close(CloseServerShutdown, "shutting down")
		} else {
			c.close(websocket.ClosePolicyViolation, "too many connections")
		}
		return
	}
	m.conns[c.id] = c
	m.mu.Unlock()

	m.log.Info("client connected",
		zap.String("conn_id", c.id),
		zap.String("origin", c.origin))

	go c.writePump()
	go c.readPump()
}

func (m *Mux) tokenOK(r *http.Request) bool {
	if r.URL.Query().Get("token") == m.cfg.AuthToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	return strings.HasPrefix(auth, prefix) && auth[len(prefix):] == m.cfg.AuthToken
}

// dispatch handles one inbound text frame on a connection.
func (m *Mux) dispatch(c *Conn, data []byte) {
	env, err := ParseEnvelope(data, !m.cfg.Permissive)
	if err != nil {
		// Best effort: recover type and id from a lenient parse so the error
		// frame can still be correlated.
		recovered, _ := ParseEnvelope(data, false)
		var service, id, op string
		if recovered != nil {
			service, id, op = recovered.Type, recovered.ID, recovered.Op
		}
		m.log.Debug("malformed envelope", zap.String("conn_id", c.id), zap.Error(err))
		c.enqueueFrame(ErrorFrame(service, id, op, Errf(KindMalformed, "malformed envelope: %v", err)))
		return
	}

	switch env.Type {
	case "ping":
		c.enqueueFrame(Frame{Type: "pong", ID: env.ID, Timestamp: nowMillis()})
		return
	case "pong":
		return
	}

	m.mu.RLock()
	handler, ok := m.handlers[env.Type]
	m.mu.RUnlock()
	if !ok {
		c.enqueueFrame(ErrorFrame(env.Type, env.ID, env.Op, Errf(KindMalformed, "unknown type %q", env.Type)))
		return
	}

	deadline := m.opDeadline(env.Type, env.Op)
	if env.ID != "" {
		id := env.ID
		ok := c.addPending(id, env.Type, env.Op, deadline, func() {
			if p := c.expirePending(id); p != nil {
				m.log.Warn("request timed out",
					zap.String("conn_id", c.id),
					zap.String("service", p.service),
					zap.String("op", p.op),
					zap.String("id", id))
				c.enqueueFrame(ErrorFrame(p.service, id, p.op, Errf(KindTimeout, "timeout")))
			}
		})
		if !ok {
			c.enqueueFrame(ErrorFrame(env.Type, env.ID, env.Op, Errf(KindMalformed, "duplicate request id %q", env.ID)))
			return
		}
	}

	// Handlers for one service run in arrival order per connection;
	// interleaving terminal.input frames would scramble the bytes reaching
	// the shell's stdin.
	c.runSerial(env.Type, func() { m.invoke(c, handler, env, deadline) })
}

func (m *Mux) invoke(c *Conn, handler HandlerFunc, env *Envelope, deadline time.Duration) {
	ctx, cancel := context.WithTimeout(c.ctx, deadline)
	defer cancel()

	result, err := handler(ctx, c.id, env)
	if env.ID == "" {
		return
	}
	// A nil pending entry means the deadline already fired (or the
	// connection died); the response must be dropped, never duplicated.
	if p := c.takePending(env.ID); p == nil {
		return
	}
	if err != nil {
		c.enqueueFrame(ErrorFrame(env.Type, env.ID, env.Op, err))
		return
	}
	c.enqueueFrame(ResponseFrame(env.Type, env.ID, env.Op, result))
}

// opDeadline maps an operation to its wall-clock deadline class.
func (m *Mux) opDeadline(service, op string) time.Duration {
	switch service {
	case "acp":
		switch op {
		case "connect":
			return 120 * time.Second
		case "prompt":
			// Prompt is acked as soon as the request reaches the agent; the
			// 60s budget is the cleanup timer, not a streaming limit.
			return 60 * time.Second
		}
	case "terminal":
		if op == "exec" {
			// exec streams under the request id and responds on exit; its
			// own wall clock fires first.
			if m.cfg.ExecDeadline > 0 {
				return m.cfg.ExecDeadline
			}
			return 35 * time.Second
		}
	}
	return 15 * time.Second
}

// Send delivers a frame to one connection. Returns false when the connection
// is gone.
func (m *Mux) Send(connID string, frame Frame) bool {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	c.enqueueFrame(frame)
	return true
}

// Broadcast delivers a frame to every open connection, best effort per
// connection.
func (m *Mux) Broadcast(frame Frame) {
	data, err := marshalFrame(frame)
	if err != nil {
		m.log.Error("broadcast marshal failed", zap.Error(err))
		return
	}
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(data)
	}
}

// Connected reports whether a connection id is currently open.
func (m *Mux) Connected(connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[connID]
	return ok
}

// ConnCount returns the number of open connections.
func (m *Mux) ConnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// fanOut pumps bus events to their target connections.
func (m *Mux) fanOut() {
	defer m.wg.Done()
	for e := range m.events {
		frame := Frame{
			Type:      e.Type,
			ID:        e.RequestID,
			Data:      e.Data,
			Timestamp: e.Timestamp.UnixMilli(),
		}
		if e.ConnID == "" {
			m.Broadcast(frame)
			continue
		}
		m.Send(e.ConnID, frame)
	}
}

// unregister removes a closed connection and runs disconnect hooks.
func (m *Mux) unregister(c *Conn) {
	m.mu.Lock()
	_, ok := m.conns[c.id]
	if ok {
		delete(m.conns, c.id)
	}
	hooks := m.hooks
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("client disconnected", zap.String("conn_id", c.id))
	for _, fn := range hooks {
		fn(c.id)
	}
}

// Shutdown closes every connection and stops the event pump.
func (m *Mux) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close(CloseServerShutdown, "server shutting down")
	}
	if m.b != nil {
		m.b.Unsubscribe(m.events)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
