package fs

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

const (
	maxReadBytes       = 1 << 20
	maxTreeDepth       = 10
	maxDirEntries      = 1000
	maxWatchersPerConn = 50
)

// Service handles envelope type "fileSystem".
type Service struct {
	resolver *Resolver
	bus      *bus.Bus
	log      *zap.Logger
	watchers *watcherSet
}

// NewService builds the filesystem service.
func NewService(resolver *Resolver, b *bus.Bus, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		resolver: resolver,
		bus:      b,
		log:      log,
		watchers: newWatcherSet(b, log),
	}
}

// Close stops all watchers.
func (s *Service) Close() {
	s.watchers.closeAll()
}

// HandleDisconnect drops every watcher held by a connection.
func (s *Service) HandleDisconnect(connID string) {
	s.watchers.dropConn(connID)
}

// TreeNode is one entry in a tree response.
type TreeNode struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Type      string     `json:"type"`
	Size      int64      `json:"size,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
	Children  []TreeNode `json:"children,omitempty"`
}

// Handle is the WebSocket service handler for envelope type "fileSystem".
func (s *Service) Handle(ctx context.Context, connID string, env *ws.Envelope) (any, error) {
	switch env.Op {
	case "tree":
		var args struct {
			Path  string `json:"path"`
			Depth int    `json:"depth"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		node, err := s.Tree(args.Path, args.Depth)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tree": node}, nil

	case "open":
		var args struct {
			Path      string `json:"path"`
			Encoding  string `json:"encoding"`
			MaxLength int    `json:"maxLength"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		return s.Open(args.Path, args.Encoding, args.MaxLength)

	case "create":
		var args struct {
			Path    string `json:"path"`
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := s.Create(args.Path, args.Type, args.Content); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "delete":
		var args struct {
			Path      string `json:"path"`
			Recursive bool   `json:"recursive"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := s.Delete(args.Path, args.Recursive); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "rename":
		var args struct {
			Path    string `json:"path"`
			NewPath string `json:"newPath"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := s.Rename(args.Path, args.NewPath); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "watch":
		var args struct {
			Path string `json:"path"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		if err := s.Watch(connID, args.Path); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "unwatch":
		var args struct {
			Path string `json:"path"`
		}
		if err := decodeArgs(env.Args(), &args); err != nil {
			return nil, err
		}
		s.Unwatch(connID, args.Path)
		return map[string]any{"ok": true}, nil

	default:
		return nil, ws.Errf(ws.KindMalformed, "unknown fileSystem op %q", env.Op)
	}
}

// Tree lists a directory subtree. depth <= 0 means one level; depth is
// clamped to maxTreeDepth; each directory lists at most maxDirEntries.
func (s *Service) Tree(path string, depth int) (*TreeNode, error) {
	target, err := s.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}
	if depth > maxTreeDepth {
		depth = maxTreeDepth
	}
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ws.Errf(ws.KindNotFound, "path not found")
		}
		return nil, err
	}
	node := s.buildNode(target, info, depth)
	return &node, nil
}

func (s *Service) buildNode(target string, info os.FileInfo, depth int) TreeNode {
	node := TreeNode{
		Name: filepath.Base(target),
		Path: s.resolver.Rel(target),
	}
	if !info.IsDir() {
		node.Type = "file"
		node.Size = info.Size()
		return node
	}
	node.Type = "dir"
	if depth <= 0 {
		return node
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return node
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	if len(entries) > maxDirEntries {
		entries = entries[:maxDirEntries]
		node.Truncated = true
	}
	for _, entry := range entries {
		childPath := filepath.Join(target, entry.Name())
		if s.resolver.checkDeny(s.resolver.Rel(childPath)) != nil {
			continue
		}
		childInfo, err := entry.Info()
		if err != nil {
			continue
		}
		node.Children = append(node.Children, s.buildNode(childPath, childInfo, depth-1))
	}
	return node
}

// Open reads a text file, capped at maxReadBytes.
func (s *Service) Open(path, encoding string, maxLength int) (map[string]any, error) {
	if encoding != "" && encoding != "utf8" && encoding != "utf-8" {
		return nil, ws.Errf(ws.KindMalformed, "unsupported encoding %q", encoding)
	}
	limit := maxReadBytes
	if maxLength > 0 && maxLength < limit {
		limit = maxLength
	}
	target, err := s.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ws.Errf(ws.KindNotFound, "file not found")
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ws.Errf(ws.KindMalformed, "path is a directory")
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	content := buf[:n]
	// Don't split a multi-byte rune at the truncation boundary.
	for len(content) > 0 && !utf8.Valid(content) {
		content = content[:len(content)-1]
	}
	return map[string]any{
		"content":   string(content),
		"size":      info.Size(),
		"truncated": info.Size() > int64(n),
	}, nil
}

// Create makes a file (with optional content) or directory.
func (s *Service) Create(path, kind, content string) error {
	target, err := s.resolver.Resolve(path)
	if err != nil {
		return err
	}
	switch kind {
	case "dir", "directory":
		return os.MkdirAll(target, 0o755)
	case "file", "":
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if _, err := os.Stat(target); err == nil {
			return ws.Errf(ws.KindConflict, "file already exists")
		}
		return os.WriteFile(target, []byte(content), 0o644)
	default:
		return ws.Errf(ws.KindMalformed, "type must be file or dir")
	}
}

// Delete removes a file or, with recursive set, a directory tree.
func (s *Service) Delete(path string, recursive bool) error {
	target, err := s.resolver.Resolve(path)
	if err != nil {
		return err
	}
	if target == s.resolver.Root {
		return ws.Errf(ws.KindRefused, "refusing to delete the workspace root")
	}
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return ws.Errf(ws.KindNotFound, "path not found")
		}
		return err
	}
	if info.IsDir() && !recursive {
		return ws.Errf(ws.KindRefused, "directory delete requires recursive")
	}
	if recursive {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

// Rename moves a file or directory within the workspace.
func (s *Service) Rename(path, newPath string) error {
	from, err := s.resolver.Resolve(path)
	if err != nil {
		return err
	}
	to, err := s.resolver.Resolve(newPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(from); err != nil {
		if os.IsNotExist(err) {
			return ws.Errf(ws.KindNotFound, "path not found")
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	return os.Rename(from, to)
}

// Watch starts a polling watcher on a path for a connection.
func (s *Service) Watch(connID, path string) error {
	target, err := s.resolver.Resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return ws.Errf(ws.KindNotFound, "path not found")
		}
		return err
	}
	return s.watchers.add(connID, target, s.resolver.Rel(target))
}

// Unwatch stops a connection's watcher on a path.
func (s *Service) Unwatch(connID, path string) {
	target, err := s.resolver.Resolve(path)
	if err != nil {
		return
	}
	s.watchers.remove(connID, target)
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
