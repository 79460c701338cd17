package git

import (
	"context"
	"encoding/json"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// Handle is the WebSocket service handler for envelope type "git".
func (s *Service) Handle(ctx context.Context, connID string, env *ws.Envelope) (any, error) {
	switch env.Op {
	case "status":
		return s.Status(ctx)

	case "log":
		var args struct {
			Count int `json:"count"`
		}
		if len(env.Args()) > 0 {
			if err := decodeArgs(env.Args(), &args); err != nil {
				return nil, err
			}
		}
		commits, err := s.Log(ctx, args.Count)
		if err != nil {
			return nil, err
		}
		return map[string]any{"commits": commits}, nil

	case "diff":
		var args struct {
			File string `json:"file"`
		}
		if len(env.Args()) > 0 {
			if err := decodeArgs(env.Args(), &args); err != nil {
				return nil, err
			}
		}
		diff, err := s.Diff(ctx, args.File)
		if err != nil {
			return nil, err
		}
		return map[string]any{"diff": diff}, nil

	case "show":
		var args struct {
			CommitHash string `json:"commitHash"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		out, err := s.Show(ctx, args.CommitHash)
		if err != nil {
			return nil, err
		}
		return map[string]any{"commit": out}, nil

	case "add":
		var args struct {
			Files []string `json:"files"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := s.Add(ctx, args.Files); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "commit":
		var args struct {
			Message string   `json:"message"`
			Files   []string `json:"files"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		hash, err := s.Commit(ctx, args.Message, args.Files)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "hash": hash}, nil

	case "push":
		var args struct {
			Remote string `json:"remote"`
			Branch string `json:"branch"`
			Force  bool   `json:"force"`
		}
		if len(env.Args()) > 0 {
			if err := decodeArgs(env.Args(), &args); err != nil {
				return nil, err
			}
		}
		if err := s.Push(ctx, args.Remote, args.Branch, args.Force); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "pull":
		var args struct {
			Remote string `json:"remote"`
			Branch string `json:"branch"`
		}
		if len(env.Args()) > 0 {
			if err := decodeArgs(env.Args(), &args); err != nil {
				return nil, err
			}
		}
		if err := s.Pull(ctx, args.Remote, args.Branch); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "branch":
		var args struct {
			Action string `json:"action"`
			Name   string `json:"name"`
		}
		if len(env.Args()) > 0 {
			if err := decodeArgs(env.Args(), &args); err != nil {
				return nil, err
			}
		}
		return s.Branch(ctx, args.Action, args.Name)

	case "find-repos", "findRepos":
		var args struct {
			Path string `json:"path"`
		}
		if len(env.Args()) > 0 {
			if err := decodeArgs(env.Args(), &args); err != nil {
				return nil, err
			}
		}
		repos, err := s.FindRepos(args.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"repos": repos}, nil

	case "reset", "clean":
		if !s.cfg.AllowDestructive {
			return nil, ws.Errf(ws.KindRefused, "destructive git op %q is disabled", env.Op)
		}
		root, err := s.repoRoot(s.cfg.Workspace)
		if err != nil {
			return nil, err
		}
		args := []string{"reset", "--hard", "HEAD"}
		if env.Op == "clean" {
			args = []string{"clean", "-fd"}
		}
		if _, err := s.run(ctx, root, args...); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	default:
		return nil, ws.Errf(ws.KindMalformed, "unknown git op %q", env.Op)
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
