package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

const (
	defaultConnectTimeout = 120 * time.Second
	childExitGrace        = 500 * time.Millisecond
	stderrLineCap         = 8 << 10
)

// Config tunes the bridge.
type Config struct {
	// DataDir holds sessions.json, modes.json and threads/. Default
	// ./.on-the-go/acp.
	DataDir string
	// Workspace is the root directory diff.apply may write under and the
	// default cwd for spawned agents.
	Workspace string
	// ConnectTimeout bounds the initialize round-trip. Default 120s.
	ConnectTimeout time.Duration
	// WarnSlowConnect logs a warning when initialize exceeds it. Zero
	// disables the warning.
	WarnSlowConnect time.Duration
	// PromptTimeout bounds the background session/prompt call. Zero means
	// the prompt runs until the agent answers or the session ends.
	PromptTimeout time.Duration
}

// InitResult is the agent's initialize response as surfaced to clients.
type InitResult struct {
	ProtocolVersion   json.RawMessage `json:"protocolVersion,omitempty"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       json.RawMessage `json:"authMethods,omitempty"`
}

// agent is the state for one connected child.
type agent struct {
	cmd     *exec.Cmd
	conn    *Conn
	adapter string
	framing string
	init    InitResult
	caps    PromptCapabilities

	// exited is closed by waitChild once cmd.Wait returns. Only waitChild
	// may call Wait; everyone else watches this channel.
	exited chan struct{}
}

// pendingPermission is an unresolved tool-call permission round-trip.
type pendingPermission struct {
	localID   int64
	sessionID string
	respond   func(result any, rpcErr *RPCError)
}

// Bridge supervises at most one ACP agent child and exposes the typed
// operation surface for envelope type "acp".
type Bridge struct {
	cfg   Config
	bus   *bus.Bus
	store *Store
	log   *zap.Logger

	mu         sync.Mutex
	agent      *agent
	lastCwd    string
	lastMCP    json.RawMessage
	nextPermID int64
	// one unresolved permission per session; a newer request cancels the older
	perms map[string]*pendingPermission
}

// NewBridge builds the bridge. The store must share cfg.DataDir.
func NewBridge(cfg Config, b *bus.Bus, store *Store, log *zap.Logger) *Bridge {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		cfg:   cfg,
		bus:   b,
		store: store,
		log:   log,
		perms: make(map[string]*pendingPermission),
	}
}

// ConnectArgs are the arguments to the connect op.
type ConnectArgs struct {
	AgentCmd string            `json:"agentCmd"`
	Args     []string          `json:"args,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Proxy    string            `json:"proxy,omitempty"`
}

// Connect spawns the agent child, negotiates framing, and runs initialize.
// A live previous agent is torn down first.
func (b *Bridge) Connect(ctx context.Context, args ConnectArgs) (InitResult, error) {
	if strings.TrimSpace(args.AgentCmd) == "" {
		return InitResult{}, ws.Errf(ws.KindMalformed, "agentCmd is required")
	}
	b.Disconnect()

	cwd := args.Cwd
	if cwd == "" {
		cwd = b.cfg.Workspace
	}

	cmd := exec.Command(args.AgentCmd, args.Args...)
	cmd.Dir = cwd
	cmd.Env = childEnv(args.Env, args.Proxy)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return InitResult{}, ws.Errf(ws.KindUpstream, "agent stdin: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return InitResult{}, ws.Errf(ws.KindUpstream, "agent stdout: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return InitResult{}, ws.Errf(ws.KindUpstream, "agent stderr: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return InitResult{}, ws.Errf(ws.KindUpstream, "spawn agent: %v", err)
	}

	framer := DetectFraming(args.AgentCmd, args.Args)
	adapter := DetectAdapter(args.AgentCmd, args.Args)
	conn := NewConn(stdin, stdout, framer, b.log.Named("rpc"))
	ag := &agent{cmd: cmd, conn: conn, adapter: adapter, framing: framer.Name(), exited: make(chan struct{})}

	b.mu.Lock()
	b.agent = ag
	b.lastCwd = cwd
	b.mu.Unlock()

	b.wireHandlers(conn)
	go b.readStderr(stderr)
	go b.waitChild(ag)

	b.log.Info("agent spawned",
		zap.String("cmd", args.AgentCmd),
		zap.String("framing", ag.framing),
		zap.String("adapter", adapter))

	initCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	initStart := time.Now()
	init, err := b.initialize(initCtx, ag)
	if warn := b.cfg.WarnSlowConnect; warn > 0 && time.Since(initStart) > warn {
		b.log.Warn("agent initialize was slow",
			zap.String("cmd", args.AgentCmd),
			zap.Duration("took", time.Since(initStart)))
	}
	if err != nil {
		b.Disconnect()
		if errors.Is(err, context.DeadlineExceeded) {
			return InitResult{}, ws.Errf(ws.KindTimeout, "agent initialize timed out")
		}
		return InitResult{}, err
	}

	b.publish("agent_initialized", map[string]any{"init": init})
	return init, nil
}

func (b *Bridge) initialize(ctx context.Context, ag *agent) (InitResult, error) {
	params := map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			"fs": map[string]any{"readTextFile": true, "writeTextFile": true},
		},
	}
	raw, err := ag.conn.Call(ctx, "initialize", params)
	if err != nil {
		return InitResult{}, b.classifyAgentError(err)
	}
	var init InitResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return InitResult{}, ws.Errf(ws.KindUpstream, "bad initialize response: %v", err)
	}

	// Pull the prompt-capability flags out of agentCapabilities.
	var caps struct {
		PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
	}
	if len(init.AgentCapabilities) > 0 {
		_ = json.Unmarshal(init.AgentCapabilities, &caps)
	}

	b.mu.Lock()
	ag.init = init
	ag.caps = caps.PromptCapabilities
	b.mu.Unlock()
	return init, nil
}

// childEnv builds the agent environment: the daemon's env, proxy settings,
// then request overrides. ANTHROPIC_API_KEY and CLAUDE_CODE_OAUTH_TOKEN ride
// along via inheritance when the daemon has them.
func childEnv(overrides map[string]string, proxy string) []string {
	env := os.Environ()
	if proxy != "" {
		env = append(env, "HTTP_PROXY="+proxy, "HTTPS_PROXY="+proxy)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func (b *Bridge) wireHandlers(conn *Conn) {
	conn.OnNotification(func(method string, params json.RawMessage) {
		switch method {
		case "session/update":
			b.handleSessionUpdate(params)
		case "terminal/output":
			b.forwardTerminalEvent("terminal_output", params)
		case "terminal/exit":
			b.forwardTerminalEvent("terminal_exit", params)
		default:
			b.log.Debug("unhandled agent notification", zap.String("method", method))
		}
	})
	conn.OnRequest(func(method string, params json.RawMessage, respond func(result any, rpcErr *RPCError)) {
		switch method {
		case "session/request_permission":
			b.handlePermissionRequest(params, respond)
		default:
			respond(nil, &RPCError{Code: -32601, Message: "method not found"})
		}
	})
}

// handleSessionUpdate normalizes both {sessionId, update} and bare-update
// notification shapes, persists the update, and broadcasts it.
func (b *Bridge) handleSessionUpdate(params json.RawMessage) {
	var wrapped struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	_ = json.Unmarshal(params, &wrapped)

	sessionID := wrapped.SessionID
	update := wrapped.Update
	if len(update) == 0 {
		// Bare update: the whole params object is the update payload.
		update = params
	}
	if sessionID == "" {
		sessionID = b.store.LastSession()
	}

	b.store.AppendUpdate(sessionID, update)
	b.publish("session_update", map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
}

func (b *Bridge) forwardTerminalEvent(eventType string, params json.RawMessage) {
	var data map[string]any
	if err := json.Unmarshal(params, &data); err != nil {
		b.log.Debug("malformed terminal event from agent", zap.Error(err))
		return
	}
	b.publish(eventType, data)
}

// permissionOption is the normalized option shape surfaced to clients.
type permissionOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func (b *Bridge) handlePermissionRequest(params json.RawMessage, respond func(result any, rpcErr *RPCError)) {
	var req struct {
		SessionID string `json:"sessionId"`
		Options   []struct {
			OptionID string `json:"optionId"`
			ID       string `json:"id"`
			Name     string `json:"name"`
			Label    string `json:"label"`
			Kind     string `json:"kind"`
		} `json:"options"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		respond(nil, &RPCError{Code: -32602, Message: "invalid params"})
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = b.store.LastSession()
	}

	options := make([]permissionOption, 0, len(req.Options))
	for _, o := range req.Options {
		opt := permissionOption{ID: o.OptionID, Name: o.Name, Kind: o.Kind}
		if opt.ID == "" {
			opt.ID = o.ID
		}
		if opt.Name == "" {
			opt.Name = o.Label
		}
		options = append(options, opt)
	}

	b.mu.Lock()
	b.nextPermID++
	localID := b.nextPermID
	prev := b.perms[sessionID]
	b.perms[sessionID] = &pendingPermission{localID: localID, sessionID: sessionID, respond: respond}
	b.mu.Unlock()

	// A second request from the same session cancels the first.
	if prev != nil {
		prev.respond(map[string]any{"outcome": map[string]any{"outcome": "cancelled"}}, nil)
	}

	b.publish("permission_request", map[string]any{
		"requestId": localID,
		"request": map[string]any{
			"sessionId": sessionID,
			"options":   options,
			"raw":       params,
		},
	})
}

// ResolvePermission answers a pending permission request.
func (b *Bridge) ResolvePermission(requestID int64, outcome, optionID string) error {
	if outcome != "selected" && outcome != "cancelled" {
		return ws.Errf(ws.KindMalformed, "outcome must be selected or cancelled")
	}
	if outcome == "selected" && optionID == "" {
		return ws.Errf(ws.KindMalformed, "selected outcome requires optionId")
	}

	b.mu.Lock()
	var pending *pendingPermission
	for sid, p := range b.perms {
		if p.localID == requestID {
			pending = p
			delete(b.perms, sid)
			break
		}
	}
	b.mu.Unlock()
	if pending == nil {
		return ws.Errf(ws.KindNotFound, "no pending permission request %d", requestID)
	}

	result := map[string]any{"outcome": map[string]any{"outcome": outcome}}
	if outcome == "selected" {
		result["outcome"].(map[string]any)["optionId"] = optionID
	}
	pending.respond(result, nil)
	return nil
}

func (b *Bridge) readStderr(r io.Reader) {
	buf := make([]byte, 4096)
	var line []byte
	flush := func() {
		if len(line) == 0 {
			return
		}
		b.publish("agent_stderr", map[string]any{"line": string(line)})
		line = line[:0]
	}
	for {
		n, err := r.Read(buf)
		for _, c := range buf[:n] {
			if c == '\n' {
				flush()
				continue
			}
			if len(line) < stderrLineCap {
				line = append(line, c)
			}
		}
		if err != nil {
			flush()
			return
		}
	}
}

func (b *Bridge) waitChild(ag *agent) {
	err := ag.cmd.Wait()
	if ag.exited != nil {
		close(ag.exited)
	}
	code := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if code == -1 {
				signal = exitErr.String()
			}
		} else {
			code = -1
		}
	}
	ag.conn.closeWith(ws.Errf(ws.KindUnavailable, "agent not connected"))

	b.mu.Lock()
	if b.agent == ag {
		b.agent = nil
	}
	b.failPermissionsLocked()
	b.mu.Unlock()

	b.log.Info("agent exited", zap.Int("code", code), zap.String("signal", signal))
	b.publish("agent_exit", map[string]any{"code": code, "signal": signal})
}

func (b *Bridge) failPermissionsLocked() {
	for sid, p := range b.perms {
		delete(b.perms, sid)
		p.respond(map[string]any{"outcome": map[string]any{"outcome": "cancelled"}}, nil)
	}
}

// Disconnect tears the current agent down: stdin closes, the child gets a
// short grace to exit, then a hard kill.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	ag := b.agent
	b.agent = nil
	b.mu.Unlock()
	if ag == nil {
		return
	}

	ag.conn.Close()
	if ag.cmd != nil && ag.cmd.Process != nil && ag.exited != nil {
		// waitChild owns cmd.Wait; watch its channel rather than racing it
		// with a second wait on the same process.
		select {
		case <-ag.exited:
		case <-time.After(childExitGrace):
			_ = ag.cmd.Process.Kill()
			select {
			case <-ag.exited:
			case <-time.After(childExitGrace):
			}
		}
	}
}

// Close shuts the bridge down on daemon exit.
func (b *Bridge) Close() {
	b.Disconnect()
}

// current returns the connected agent or an AgentNotConnected error.
func (b *Bridge) current() (*agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.agent == nil {
		return nil, ws.Errf(ws.KindUnavailable, "agent not connected")
	}
	return b.agent, nil
}

// Connected reports whether an agent child is live.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agent != nil
}

// AuthMethods returns the auth methods the agent declared at initialize.
func (b *Bridge) AuthMethods() json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.agent == nil {
		return nil
	}
	return b.agent.init.AuthMethods
}

// Authenticate forwards an authenticate call to the agent.
func (b *Bridge) Authenticate(ctx context.Context, methodID string) error {
	ag, err := b.current()
	if err != nil {
		return err
	}
	_, err = ag.conn.Call(ctx, "authenticate", map[string]any{"methodId": methodID})
	return b.classifyAgentError(err)
}

// NewSessionResult is the session.new response.
type NewSessionResult struct {
	SessionID string          `json:"sessionId"`
	Modes     json.RawMessage `json:"modes,omitempty"`
	Models    json.RawMessage `json:"models,omitempty"`
}

// NewSession creates an agent session and records it as current.
func (b *Bridge) NewSession(ctx context.Context, mcpServers json.RawMessage) (NewSessionResult, error) {
	ag, err := b.current()
	if err != nil {
		return NewSessionResult{}, err
	}

	b.mu.Lock()
	cwd := b.lastCwd
	if len(mcpServers) > 0 {
		b.lastMCP = mcpServers
	}
	mcp := b.lastMCP
	b.mu.Unlock()

	res, err := b.sessionNew(ctx, ag, cwd, mcp)
	if err != nil {
		return NewSessionResult{}, err
	}
	b.store.AddSession(res.SessionID)
	return res, nil
}

func (b *Bridge) sessionNew(ctx context.Context, ag *agent, cwd string, mcp json.RawMessage) (NewSessionResult, error) {
	params := map[string]any{"cwd": cwd}
	if len(mcp) > 0 {
		params["mcpServers"] = mcp
	} else {
		params["mcpServers"] = []any{}
	}
	raw, err := ag.conn.Call(ctx, "session/new", params)
	if err != nil {
		return NewSessionResult{}, b.classifyAgentError(err)
	}
	var res NewSessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return NewSessionResult{}, ws.Errf(ws.KindUpstream, "bad session/new response: %v", err)
	}
	if res.SessionID == "" {
		return NewSessionResult{}, ws.Errf(ws.KindUpstream, "agent returned no session id")
	}
	return res, nil
}

// SelectSession makes a known session current.
func (b *Bridge) SelectSession(id string) error {
	if !b.store.HasSession(id) {
		return ws.Errf(ws.KindNotFound, "session %q not found", id)
	}
	b.store.SetLastSession(id)
	return nil
}

// resolveSession picks the explicit session id or falls back to the last one.
func (b *Bridge) resolveSession(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if last := b.store.LastSession(); last != "" {
		return last, nil
	}
	return "", ws.Errf(ws.KindNotFound, "no session selected")
}

// callWithRecovery performs an agent call carrying a session id. On a
// "session not found" failure it creates a replacement session, rewires the
// stored state, emits session_recovered, and retries exactly once.
func (b *Bridge) callWithRecovery(ctx context.Context, method string, params map[string]any, sidKey, sessionID string) (json.RawMessage, string, error) {
	ag, err := b.current()
	if err != nil {
		return nil, sessionID, err
	}
	params[sidKey] = sessionID
	raw, err := ag.conn.Call(ctx, method, params)
	if err == nil {
		return raw, sessionID, nil
	}
	if !isSessionNotFound(err) {
		return nil, sessionID, b.classifyAgentError(err)
	}

	b.mu.Lock()
	cwd := b.lastCwd
	mcp := b.lastMCP
	b.mu.Unlock()
	res, nerr := b.sessionNew(ctx, ag, cwd, mcp)
	if nerr != nil {
		// Recovery could not even create a session; surface the original.
		return nil, sessionID, b.classifyAgentError(err)
	}
	b.store.ReplaceSession(sessionID, res.SessionID)
	b.log.Info("session recovered",
		zap.String("old_session_id", sessionID),
		zap.String("new_session_id", res.SessionID))
	b.publish("session_recovered", map[string]any{
		"oldSessionId": sessionID,
		"newSessionId": res.SessionID,
	})

	params[sidKey] = res.SessionID
	raw, rerr := ag.conn.Call(ctx, method, params)
	if rerr != nil {
		return nil, res.SessionID, b.classifyAgentError(err)
	}
	return raw, res.SessionID, nil
}

// isSessionNotFound matches the agent-side "session not found" family.
func isSessionNotFound(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == -32001 {
			return true
		}
		return strings.Contains(strings.ToLower(rpcErr.Message), "session not found")
	}
	return false
}

// classifyAgentError maps agent RPC errors onto wire kinds. Auth failures
// carry the declared auth methods so the client can prompt.
func (b *Bridge) classifyAgentError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == 401 ||
			(rpcErr.Code == -32000 && strings.Contains(strings.ToLower(rpcErr.Message), "authentication required")) {
			e := ws.Errf(ws.KindAuthRequired, "authentication required")
			e.Data = map[string]any{"authMethods": b.AuthMethods()}
			return e
		}
		if isSessionNotFound(err) {
			return ws.Errf(ws.KindNotFound, "%s", rpcErr.Message)
		}
		return ws.Errf(ws.KindUpstream, "%s", rpcErr.Message)
	}
	return err
}

// SetMode forwards a mode change. Parameter casing follows the adapter.
func (b *Bridge) SetMode(ctx context.Context, sessionID, modeID string) error {
	ag, err := b.current()
	if err != nil {
		return err
	}
	sid, err := b.resolveSession(sessionID)
	if err != nil {
		return err
	}
	sidKey, modeKey := "sessionId", "modeId"
	if ag.adapter != "claude" {
		sidKey, modeKey = "session_id", "mode_id"
	}
	_, sid, err = b.callWithRecovery(ctx, "session/set_mode", map[string]any{modeKey: modeID}, sidKey, sid)
	if err != nil {
		return err
	}
	b.store.SetMode(sid, modeID)
	return nil
}

// ListModels asks the agent for its model list. Agents without the method get
// an empty list.
func (b *Bridge) ListModels(ctx context.Context, sessionID string) (json.RawMessage, error) {
	ag, err := b.current()
	if err != nil {
		return nil, err
	}
	sid, err := b.resolveSession(sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := ag.conn.Call(ctx, "session/list_models", map[string]any{"sessionId": sid})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == -32601 {
			return json.RawMessage(`[]`), nil
		}
		return nil, b.classifyAgentError(err)
	}
	return raw, nil
}

// SelectModel forwards a model selection; refused when the agent has no model
// surface.
func (b *Bridge) SelectModel(ctx context.Context, sessionID, modelID string) error {
	ag, err := b.current()
	if err != nil {
		return err
	}
	sid, err := b.resolveSession(sessionID)
	if err != nil {
		return err
	}
	_, err = ag.conn.Call(ctx, "session/select_model", map[string]any{"sessionId": sid, "modelId": modelID})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == -32601 {
			return ws.Errf(ws.KindRefused, "agent does not support model selection")
		}
		return b.classifyAgentError(err)
	}
	return err
}

// Prompt validates the content blocks and hands the prompt to the agent. The
// returned ack goes out immediately; the final result arrives later as an
// acp_final event after all of the prompt's session_update events.
func (b *Bridge) Prompt(ctx context.Context, sessionID string, blocks []ContentBlock) (map[string]any, error) {
	ag, err := b.current()
	if err != nil {
		return nil, err
	}
	if err := validateContentBlocks(blocks, ag.caps); err != nil {
		return nil, err
	}
	sid, err := b.resolveSession(sessionID)
	if err != nil {
		return nil, err
	}
	b.store.SetLastSession(sid)

	go func() {
		pctx := context.Background()
		if b.cfg.PromptTimeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(pctx, b.cfg.PromptTimeout)
			defer cancel()
		}
		params := map[string]any{"prompt": blocks}
		raw, finalSID, err := b.callWithRecovery(pctx, "session/prompt", params, "sessionId", sid)
		if err != nil {
			b.publish("acp_final", map[string]any{
				"sessionId": finalSID,
				"error":     err.Error(),
			})
			return
		}
		var result map[string]any
		if json.Unmarshal(raw, &result) != nil {
			result = map[string]any{}
		}
		b.publish("acp_final", map[string]any{
			"sessionId": finalSID,
			"result":    result,
		})
	}()

	return map[string]any{"ack": true, "sessionId": sid}, nil
}

// Cancel sends the agent's cancellation notification for a session.
func (b *Bridge) Cancel(sessionID string) error {
	ag, err := b.current()
	if err != nil {
		return err
	}
	sid, err := b.resolveSession(sessionID)
	if err != nil {
		return err
	}
	return ag.conn.Notify("session/cancel", map[string]any{"sessionId": sid})
}

// ApplyDiff atomically replaces a workspace file's contents.
func (b *Bridge) ApplyDiff(path, newText string) error {
	if path == "" {
		return ws.Errf(ws.KindMalformed, "path is required")
	}
	root, err := filepath.Abs(b.cfg.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ws.Errf(ws.KindRefused, "path escapes the workspace root")
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(newText), 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

// TerminalCall passes a terminal-namespace op straight through to the agent.
func (b *Bridge) TerminalCall(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	ag, err := b.current()
	if err != nil {
		return nil, err
	}
	var args any
	if len(params) > 0 {
		args = params
	}
	raw, err := ag.conn.Call(ctx, method, args)
	if err != nil {
		return nil, b.classifyAgentError(err)
	}
	return raw, nil
}

func (b *Bridge) publish(eventType string, data map[string]any) {
	b.bus.Publish(bus.Event{Type: eventType, Data: data})
}
