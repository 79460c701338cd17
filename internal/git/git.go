// Package git wraps the git command line for the WebSocket surface: status,
// log, diff, staging, commits, branch management and repository discovery,
// each shelling out with a bounded timeout and output cap.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

const (
	commandTimeout = 30 * time.Second
	maxOutputBytes = 10 << 20
	findRepoDepth  = 3
)

// logFormat pins the log parse: hash, author, date, subject, tab-separated.
const logFormat = "%H\t%an\t%ad\t%s"

// Config tunes the git service.
type Config struct {
	// Workspace is the directory operations are rooted at.
	Workspace string
	// AllowDestructive permits reset, clean and force pushes.
	AllowDestructive bool
	// Debug logs full argv for every invocation.
	Debug bool
}

// Service handles envelope type "git".
type Service struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	rootCache map[string]string
}

// NewService builds the git service.
func NewService(cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if os.Getenv("KIRO_GIT_DEBUG") == "1" {
		cfg.Debug = true
	}
	return &Service{cfg: cfg, log: log, rootCache: make(map[string]string)}
}

// run shells out to git in dir with a wall-clock timeout and output cap.
func (s *Service) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if s.cfg.Debug {
		s.log.Debug("git exec", zap.String("dir", dir), zap.Strings("args", args))
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{w: &stdout, limit: maxOutputBytes}
	cmd.Stderr = &limitWriter{w: &stderr, limit: 64 << 10}

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", ws.Errf(ws.KindTimeout, "git %s timed out", args[0])
	}
	if err != nil {
		var overflow *outputOverflowError
		if errors.As(err, &overflow) {
			return "", ws.Errf(ws.KindRefused, "git %s output exceeds %d bytes", args[0], maxOutputBytes)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", ws.Errf(ws.KindUpstream, "git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

type outputOverflowError struct{ limit int }

func (e *outputOverflowError) Error() string {
	return fmt.Sprintf("output exceeds %d bytes", e.limit)
}

// limitWriter fails the command once more than limit bytes are produced.
type limitWriter struct {
	w     *bytes.Buffer
	limit int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.w.Len()+len(p) > l.limit {
		return 0, &outputOverflowError{limit: l.limit}
	}
	return l.w.Write(p)
}

// repoRoot walks upward from start looking for a .git entry. Results are
// cached per starting path.
func (s *Service) repoRoot(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if root, ok := s.rootCache[abs]; ok {
		s.mu.Unlock()
		if root == "" {
			return "", ws.Errf(ws.KindNotFound, "no git repository found")
		}
		return root, nil
	}
	s.mu.Unlock()

	dir := abs
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			s.mu.Lock()
			s.rootCache[abs] = dir
			s.mu.Unlock()
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	s.mu.Lock()
	s.rootCache[abs] = ""
	s.mu.Unlock()
	return "", ws.Errf(ws.KindNotFound, "no git repository found")
}

// sanitizeRef validates a git ref string: standard ref characters only.
func sanitizeRef(ref string) error {
	if ref == "" {
		return ws.Errf(ws.KindMalformed, "git ref is empty")
	}
	if strings.ContainsRune(ref, 0) {
		return ws.Errf(ws.KindMalformed, "git ref contains null byte")
	}
	if strings.HasPrefix(ref, "-") {
		return ws.Errf(ws.KindMalformed, "git ref starts with dash")
	}
	for _, r := range ref {
		if !isValidRefChar(r) {
			return ws.Errf(ws.KindMalformed, "invalid character in git ref: %c", r)
		}
	}
	return nil
}

func isValidRefChar(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
		return true
	}
	switch r {
	case '-', '_', '/', '.', '~', '^', '@':
		return true
	}
	return false
}

// sanitizePath validates a repo-relative file path.
func sanitizePath(path string) error {
	if path == "" {
		return ws.Errf(ws.KindMalformed, "file path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return ws.Errf(ws.KindMalformed, "file path contains null byte")
	}
	if filepath.IsAbs(path) {
		return ws.Errf(ws.KindMalformed, "absolute file paths are not allowed")
	}
	if strings.HasPrefix(path, "-") {
		return ws.Errf(ws.KindMalformed, "file path starts with dash")
	}
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return ws.Errf(ws.KindMalformed, "path traversal is not allowed")
		}
	}
	return nil
}

// Status runs git status --porcelain and parses the result.
func (s *Service) Status(ctx context.Context) (*StatusResult, error) {
	root, err := s.repoRoot(s.cfg.Workspace)
	if err != nil {
		return nil, err
	}
	branchOut, err := s.run(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	out, err := s.run(ctx, root, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	res := parseStatusPorcelain(out)
	res.Branch = strings.TrimSpace(branchOut)
	return res, nil
}

// Log returns the last count commits.
func (s *Service) Log(ctx context.Context, count int) ([]Commit, error) {
	root, err := s.repoRoot(s.cfg.Workspace)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 20
	}
	out, err := s.run(ctx, root,
		"log", fmt.Sprintf("-%d", count),
		"--pretty=format:"+logFormat, "--date=iso-strict")
	if err != nil {
		// An empty repository has no HEAD yet.
		if strings.Contains(err.Error(), "does not have any commits") {
			return []Commit{}, nil
		}
		return nil, err
	}
	return parseLog(out), nil
}

// Diff returns the working tree diff, optionally for one file.
func (s *Service) Diff(ctx context.Context, file string) (string, error) {
	root, err := s.repoRoot(s.cfg.Workspace)
	if err != nil {
		return "", err
	}
	args := []string{"diff"}
	if file != "" {
		if err := sanitizePath(file); err != nil {
			return "", err
		}
		args = append(args, "--", file)
	}
	return s.run(ctx, root, args...)
}

// Show returns one commit's metadata and patch.
func (s *Service) Show(ctx context.Context, commitHash string) (string, error) {
	root, err := s.repoRoot(s.cfg.Workspace)
	if err != nil {
		return "", err
	}
	if err := sanitizeRef(commitHash); err != nil {
		return "", err
	}
	return s.run(ctx, root, "show", commitHash)
}

// Add stages files.
func (s *Service) Add(ctx context.Context, files []string) error {
	root, err := s.repoRoot(s.cfg.Workspace)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return ws.Errf(ws.KindMalformed, "files is required")
	}
	args := []string{"add", "--"}
	for _, f := range files {
		if err := sanitizePath(f); err != nil {
			return err
		}
		args = append(args, f)
	}
	_, err = s.run(ctx, root, args...)
	return err
}

// Commit records a commit, optionally staging files first.
func (s *Service) Commit(ctx context.Context, message string, files []string) (string, error) {
	if len(message) < 1 || len(message) > 1000 {
		return "", ws.Errf(ws.KindMalformed, "commit message must be 1-1000 characters")
	}
	root, err := s.repoRoot(s.cfg.Workspace)
	if err != nil {
		return "", err
	}
	if len(files) > 0 {
		if err := s.Add(ctx, files); err != nil {
			return "", err
		}
	}
	if _, err := s.run(ctx, root, "commit", "-m", message); err != nil {
		return "", err
	}
	out, err := s.run(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push pushes a branch to a remote.
func (s *Service) Push(ctx context.Context, remote, branch string, force bool) error {
	if force && !s.cfg.AllowDestructive {
		return ws.Errf(ws.KindRefused, "force push is disabled")
	}
	root, err := s.repoRoot(s.cfg.Workspace)
	if err != nil {
		return err
	}
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	if remote != "" {
		if err := sanitizeRef(remote); err != nil {
			return err
		}
		args = append(args, remote)
		if branch != "" {
			if err := sanitizeRef(branch); err != nil {
				return err
			}
			args = append(args, branch)
		}
	}
	_, err = s.run(ctx, root, args...)
	return err
}

// Pull pulls from a remote.
func (s *Service) Pull(ctx context.Context, remote, branch string) error {
	root, err := s.repoRoot(s.cfg.Workspace)
	if err != nil {
		return err
	}
	args := []string{"pull"}
	if remote != "" {
		if err := sanitizeRef(remote); err != nil {
			return err
		}
		args = append(args, remote)
		if branch != "" {
			if err := sanitizeRef(branch); err != nil {
				return err
			}
			args = append(args, branch)
		}
	}
	_, err = s.run(ctx, root, args...)
	return err
}

// Branch performs branch actions: list, create, switch.
func (s *Service) Branch(ctx context.Context, action, name string) (any, error) {
	root, err := s.repoRoot(s.cfg.Workspace)
	if err != nil {
		return nil, err
	}
	switch action {
	case "list", "":
		out, err := s.run(ctx, root, "branch", "--format=%(refname:short)")
		if err != nil {
			return nil, err
		}
		branches := []string{}
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				branches = append(branches, line)
			}
		}
		current, err := s.run(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return nil, err
		}
		return map[string]any{"branches": branches, "current": strings.TrimSpace(current)}, nil
	case "create":
		if err := sanitizeRef(name); err != nil {
			return nil, err
		}
		if _, err := s.run(ctx, root, "checkout", "-b", name); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "branch": name}, nil
	case "switch":
		if err := sanitizeRef(name); err != nil {
			return nil, err
		}
		if _, err := s.run(ctx, root, "checkout", name); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "branch": name}, nil
	default:
		return nil, ws.Errf(ws.KindMalformed, "unknown branch action %q", action)
	}
}

// FindRepos walks at most findRepoDepth levels under path looking for git
// repositories.
func (s *Service) FindRepos(path string) ([]string, error) {
	start := s.cfg.Workspace
	if path != "" {
		if err := sanitizePath(path); err != nil {
			return nil, err
		}
		start = filepath.Join(s.cfg.Workspace, path)
	}
	repos := []string{}
	s.findRepos(start, 0, &repos)
	return repos, nil
}

func (s *Service) findRepos(dir string, depth int, repos *[]string) {
	if depth > findRepoDepth {
		return
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		rel, err := filepath.Rel(s.cfg.Workspace, dir)
		if err == nil {
			*repos = append(*repos, filepath.ToSlash(rel))
		}
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "node_modules" {
			continue
		}
		s.findRepos(filepath.Join(dir, entry.Name()), depth+1, repos)
	}
}
