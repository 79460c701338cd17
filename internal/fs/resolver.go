// Package fs exposes a workspace-scoped filesystem view over the WebSocket:
// directory trees, bounded file reads, create/delete/rename, and polling
// watchers. Every path crosses one resolver that pins it under the workspace
// root.
package fs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// defaultDeny are path segments no operation may touch regardless of config.
var defaultDeny = []string{
	".git/objects",
	"node_modules",
}

// Resolver normalizes client paths and confines them to the workspace root.
type Resolver struct {
	// Root is the absolute workspace root.
	Root string
	// AllowSymlinks permits resolved paths to traverse symlinks.
	AllowSymlinks bool
	// Deny holds extra denied glob patterns, matched against the
	// slash-separated workspace-relative path.
	Deny []string
}

// NewResolver builds a resolver rooted at root.
func NewResolver(root string, allowSymlinks bool, deny []string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Resolver{Root: abs, AllowSymlinks: allowSymlinks, Deny: deny}, nil
}

// Resolve maps a client-supplied path onto an absolute path under Root.
// It rejects null bytes, traversal escapes, denied paths, and (unless
// enabled) symlinked components.
func (r *Resolver) Resolve(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", ws.Errf(ws.KindMalformed, "path contains null byte")
	}
	// Normalize client separators; browsers send forward slashes but a
	// Windows client may not.
	path = strings.ReplaceAll(path, "\\", "/")
	path = filepath.FromSlash(path)

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.Root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(r.Root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ws.Errf(ws.KindRefused, "path is outside the workspace")
	}

	relSlash := filepath.ToSlash(rel)
	if err := r.checkDeny(relSlash); err != nil {
		return "", err
	}

	if !r.AllowSymlinks {
		if err := r.rejectSymlinks(target); err != nil {
			return "", err
		}
	}
	return target, nil
}

func (r *Resolver) checkDeny(relSlash string) error {
	if relSlash == "." {
		return nil
	}
	for _, deny := range defaultDeny {
		if relSlash == deny || strings.HasPrefix(relSlash, deny+"/") || strings.Contains(relSlash, "/"+deny+"/") || strings.HasSuffix(relSlash, "/"+deny) {
			return ws.Errf(ws.KindRefused, "path is denied")
		}
	}
	for _, pattern := range r.Deny {
		if matched, _ := filepath.Match(pattern, relSlash); matched {
			return ws.Errf(ws.KindRefused, "path is denied")
		}
		// Also match against the basename so "*.pem" style patterns work at
		// any depth.
		if matched, _ := filepath.Match(pattern, filepath.Base(relSlash)); matched {
			return ws.Errf(ws.KindRefused, "path is denied")
		}
	}
	return nil
}

// rejectSymlinks walks each existing component between Root and target and
// refuses any that is a symlink.
func (r *Resolver) rejectSymlinks(target string) error {
	rel, err := filepath.Rel(r.Root, target)
	if err != nil || rel == "." {
		return nil
	}
	current := r.Root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			// Nonexistent components cannot be symlinks; creation targets
			// pass through here.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return ws.Errf(ws.KindRefused, "symlinks are not allowed")
		}
	}
	return nil
}

// Rel returns target's workspace-relative slash path for wire payloads.
func (r *Resolver) Rel(target string) string {
	rel, err := filepath.Rel(r.Root, target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}
