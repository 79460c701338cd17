package acp

import (
	"context"
	"encoding/json"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// Handle is the WebSocket service handler for envelope type "acp".
func (b *Bridge) Handle(ctx context.Context, connID string, env *ws.Envelope) (any, error) {
	switch env.Op {
	case "connect":
		var args ConnectArgs
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		init, err := b.Connect(ctx, args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "init": init}, nil

	case "disconnect":
		b.Disconnect()
		return map[string]any{"ok": true}, nil

	case "authenticate":
		var args struct {
			MethodID string `json:"methodId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := b.Authenticate(ctx, args.MethodID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "authMethods":
		methods := b.AuthMethods()
		if methods == nil {
			methods = json.RawMessage(`[]`)
		}
		return map[string]any{"methods": methods}, nil

	case "session.new":
		var args struct {
			MCPServers json.RawMessage `json:"mcpServers"`
		}
		if len(env.Args()) > 0 {
			if err := decodeArgs(env.Args(), &args); err != nil {
				return nil, err
			}
		}
		res, err := b.NewSession(ctx, args.MCPServers)
		if err != nil {
			return nil, err
		}
		return res, nil

	case "session.select":
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := b.SelectSession(args.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "session.last":
		return map[string]any{"sessionId": b.store.LastSession()}, nil

	case "sessions.list":
		return map[string]any{
			"sessions":      b.store.Sessions(),
			"lastSessionId": b.store.LastSession(),
		}, nil

	case "session.delete":
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if !b.store.HasSession(args.SessionID) {
			return nil, ws.Errf(ws.KindNotFound, "session %q not found", args.SessionID)
		}
		b.store.RemoveSession(args.SessionID)
		return map[string]any{"ok": true}, nil

	case "session.setMode":
		var args struct {
			SessionID string `json:"sessionId"`
			ModeID    string `json:"modeId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := b.SetMode(ctx, args.SessionID, args.ModeID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "models.list":
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if len(env.Args()) > 0 {
			if err := decodeArgs(env.Args(), &args); err != nil {
				return nil, err
			}
		}
		models, err := b.ListModels(ctx, args.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"models": models}, nil

	case "model.select":
		var args struct {
			SessionID string `json:"sessionId"`
			ModelID   string `json:"modelId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := b.SelectModel(ctx, args.SessionID, args.ModelID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "prompt":
		var args struct {
			SessionID string         `json:"sessionId"`
			Prompt    []ContentBlock `json:"prompt"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		return b.Prompt(ctx, args.SessionID, args.Prompt)

	case "cancel":
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if len(env.Args()) > 0 {
			if err := decodeArgs(env.Args(), &args); err != nil {
				return nil, err
			}
		}
		if err := b.Cancel(args.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "permission":
		var args struct {
			RequestID int64  `json:"requestId"`
			Outcome   string `json:"outcome"`
			OptionID  string `json:"optionId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := b.ResolvePermission(args.RequestID, args.Outcome, args.OptionID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "diff.apply":
		var args struct {
			Path    string `json:"path"`
			NewText string `json:"newText"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := b.ApplyDiff(args.Path, args.NewText); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "thread.get":
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		entries, err := b.store.Thread(args.SessionID)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []ThreadEntry{}
		}
		return map[string]any{"entries": entries}, nil

	case "threads.list":
		return map[string]any{"threads": b.store.Threads()}, nil

	case "terminal.create", "terminal.output", "terminal.kill", "terminal.release", "terminal.waitForExit":
		return b.handleTerminal(ctx, env)

	default:
		return nil, ws.Errf(ws.KindMalformed, "unknown acp op %q", env.Op)
	}
}

// handleTerminal passes terminal-namespace ops through to the agent verbatim.
func (b *Bridge) handleTerminal(ctx context.Context, env *ws.Envelope) (any, error) {
	method := map[string]string{
		"terminal.create":      "terminal/create",
		"terminal.output":      "terminal/output",
		"terminal.kill":        "terminal/kill",
		"terminal.release":     "terminal/release",
		"terminal.waitForExit": "terminal/wait_for_exit",
	}[env.Op]
	raw, err := b.TerminalCall(ctx, method, env.Args())
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{"ok": true}, nil
	}
	return raw, nil
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
