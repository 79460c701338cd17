package term

import (
	"context"
	"encoding/json"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// Handle is the WebSocket service handler for envelope type "terminal".
func (m *Manager) Handle(ctx context.Context, connID string, env *ws.Envelope) (any, error) {
	switch env.Op {
	case "create":
		var args CreateArgs
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		s, err := m.Create(connID, args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessionId": s.ID, "cwd": s.info().Cwd}, nil

	case "input":
		var args struct {
			SessionID string `json:"sessionId"`
			Data      string `json:"data"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		s, err := m.Get(args.SessionID)
		if err != nil {
			return nil, err
		}
		// Input from a new or returning connection claims the session and
		// flushes anything buffered while detached.
		if owner, attached := s.owner(); !attached || owner != connID {
			s.attach(connID)
		}
		if err := s.input(args.Data); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "reattach":
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		s, err := m.Get(args.SessionID)
		if err != nil {
			return nil, err
		}
		s.attach(connID)
		return map[string]any{"ok": true}, nil

	case "resize":
		var args struct {
			SessionID string `json:"sessionId"`
			Cols      int    `json:"cols"`
			Rows      int    `json:"rows"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		s, err := m.Get(args.SessionID)
		if err != nil {
			return nil, err
		}
		s.resize(args.Cols, args.Rows)
		return map[string]any{"ok": true}, nil

	case "dispose":
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := m.Dispose(args.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "cancel":
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		s, err := m.Get(args.SessionID)
		if err != nil {
			return nil, err
		}
		s.interrupt()
		return map[string]any{"ok": true}, nil

	case "exec":
		var args ExecArgs
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		return m.Exec(ctx, connID, env.ID, args)

	case "list-sessions", "listSessions":
		return map[string]any{"sessions": m.List()}, nil

	default:
		return nil, ws.Errf(ws.KindMalformed, "unknown terminal op %q", env.Op)
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
