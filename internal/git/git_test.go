package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

func TestParseStatusPorcelain(t *testing.T) {
	output := "M  staged.go\n" +
		" M unstaged.go\n" +
		"MM both.go\n" +
		"?? new.txt\n" +
		"!! ignored.txt\n" +
		"R  old.go -> new.go\n"

	res := parseStatusPorcelain(output)
	if len(res.Staged) != 3 {
		t.Fatalf("expected 3 staged, got %d: %+v", len(res.Staged), res.Staged)
	}
	if res.Staged[0].Path != "staged.go" || res.Staged[0].Status != "M" {
		t.Fatalf("unexpected staged[0] %+v", res.Staged[0])
	}
	if len(res.Unstaged) != 2 {
		t.Fatalf("expected 2 unstaged, got %d", len(res.Unstaged))
	}
	if len(res.Untracked) != 1 || res.Untracked[0].Path != "new.txt" {
		t.Fatalf("unexpected untracked %+v", res.Untracked)
	}

	var rename *FileStatus
	for i := range res.Staged {
		if res.Staged[i].Status == "R" {
			rename = &res.Staged[i]
		}
	}
	if rename == nil || rename.Path != "new.go" || rename.OldPath != "old.go" {
		t.Fatalf("rename not parsed: %+v", rename)
	}
}

func TestParseStatusPorcelain_Empty(t *testing.T) {
	res := parseStatusPorcelain("")
	if len(res.Staged)+len(res.Unstaged)+len(res.Untracked) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestParseLog(t *testing.T) {
	output := "abc123\tAlice\t2026-01-02T03:04:05+00:00\tfix the thing\n" +
		"def456\tBob\t2026-01-01T00:00:00+00:00\tsubject with\ttab\n"

	commits := parseLog(output)
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].Hash != "abc123" || commits[0].Author != "Alice" || commits[0].Subject != "fix the thing" {
		t.Fatalf("unexpected commit %+v", commits[0])
	}
	// The subject is the fourth field onward, embedded tabs included.
	if commits[1].Subject != "subject with\ttab" {
		t.Fatalf("embedded tab mishandled: %q", commits[1].Subject)
	}
}

func TestSanitizeRef(t *testing.T) {
	valid := []string{"main", "feature/x-1", "v1.2.3", "HEAD~2", "origin/HEAD^", "user@branch"}
	for _, ref := range valid {
		if err := sanitizeRef(ref); err != nil {
			t.Fatalf("expected %q valid, got %v", ref, err)
		}
	}
	invalid := []string{"", "branch;rm", "a b", "--force", "ref\x00"}
	for _, ref := range invalid {
		if err := sanitizeRef(ref); err == nil {
			t.Fatalf("expected %q rejected", ref)
		}
	}
}

func TestSanitizePath(t *testing.T) {
	valid := []string{"file.go", "dir/file.go", "./file.go"}
	for _, p := range valid {
		if err := sanitizePath(p); err != nil {
			t.Fatalf("expected %q valid, got %v", p, err)
		}
	}
	invalid := []string{"", "../escape", "dir/../../escape", "/abs/path", "--flag", "f\x00"}
	for _, p := range invalid {
		if err := sanitizePath(p); err == nil {
			t.Fatalf("expected %q rejected", p)
		}
	}
}

// initRepo creates a real repository with one commit.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run("add", "README.md")
	run("commit", "-q", "-m", "initial commit")
	return dir
}

func TestService_StatusAndLog(t *testing.T) {
	dir := initRepo(t)
	s := NewService(Config{Workspace: dir}, nil)

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	status, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.Untracked) != 1 || status.Untracked[0].Path != "new.txt" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Branch == "" {
		t.Fatal("expected branch name")
	}

	commits, err := s.Log(context.Background(), 10)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(commits) != 1 || commits[0].Subject != "initial commit" {
		t.Fatalf("unexpected log %+v", commits)
	}
}

func TestService_CommitFlow(t *testing.T) {
	dir := initRepo(t)
	s := NewService(Config{Workspace: dir}, nil)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	hash, err := s.Commit(ctx, "add feature", []string{"feature.go"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(hash) != 40 {
		t.Fatalf("expected full commit hash, got %q", hash)
	}

	out, err := s.Show(ctx, hash)
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if out == "" {
		t.Fatal("expected show output")
	}
}

func TestService_CommitMessageBounds(t *testing.T) {
	dir := initRepo(t)
	s := NewService(Config{Workspace: dir}, nil)

	for _, msg := range []string{"", string(make([]byte, 1001))} {
		_, err := s.Commit(context.Background(), msg, nil)
		var we *ws.Error
		if !errors.As(err, &we) || we.Kind != ws.KindMalformed {
			t.Fatalf("expected Malformed for message len %d, got %v", len(msg), err)
		}
	}
}

func TestService_BranchOps(t *testing.T) {
	dir := initRepo(t)
	s := NewService(Config{Workspace: dir}, nil)
	ctx := context.Background()

	if _, err := s.Branch(ctx, "create", "feature/test"); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	res, err := s.Branch(ctx, "list", "")
	if err != nil {
		t.Fatalf("list branches: %v", err)
	}
	m := res.(map[string]any)
	if m["current"] != "feature/test" {
		t.Fatalf("expected current feature/test, got %v", m["current"])
	}
}

func TestService_ForcePushRefused(t *testing.T) {
	dir := initRepo(t)
	s := NewService(Config{Workspace: dir}, nil)

	err := s.Push(context.Background(), "origin", "main", true)
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindRefused {
		t.Fatalf("expected Refused for force push, got %v", err)
	}
}

func TestService_NoRepo(t *testing.T) {
	dir := t.TempDir()
	s := NewService(Config{Workspace: dir}, nil)

	_, err := s.Status(context.Background())
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestService_FindRepos(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	for _, sub := range []string{"a", "b/nested"} {
		dir := filepath.Join(root, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		cmd := exec.Command("git", "init", "-q")
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git init: %v\n%s", err, out)
		}
	}
	// Too deep to be found.
	deep := filepath.Join(root, "x", "y", "z", "w", "repo")
	if err := os.MkdirAll(filepath.Join(deep, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	s := NewService(Config{Workspace: root}, nil)
	repos, err := s.FindRepos("")
	if err != nil {
		t.Fatalf("FindRepos: %v", err)
	}
	found := map[string]bool{}
	for _, r := range repos {
		found[r] = true
	}
	if !found["a"] || !found["b/nested"] {
		t.Fatalf("expected a and b/nested, got %v", repos)
	}
	if found["x/y/z/w/repo"] {
		t.Fatalf("depth limit not applied: %v", repos)
	}
}

func TestService_RepoRootCached(t *testing.T) {
	dir := initRepo(t)
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	s := NewService(Config{Workspace: sub}, nil)

	root1, err := s.repoRoot(sub)
	if err != nil {
		t.Fatalf("repoRoot: %v", err)
	}
	root2, err := s.repoRoot(sub)
	if err != nil || root1 != root2 {
		t.Fatalf("cache inconsistent: %q vs %q (err %v)", root1, root2, err)
	}
}
