package fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

func newTestService(t *testing.T) (*Service, string, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewResolver(dir, false, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	eb := bus.New(64, nil)
	s := NewService(r, eb, nil)
	t.Cleanup(s.Close)
	return s, dir, eb
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestService_Tree(t *testing.T) {
	s, dir, _ := newTestService(t)
	writeFile(t, filepath.Join(dir, "a.txt"), "aaa")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "bbb")

	node, err := s.Tree(".", 2)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if node.Type != "dir" || len(node.Children) != 2 {
		t.Fatalf("unexpected root node %+v", node)
	}
	names := []string{node.Children[0].Name, node.Children[1].Name}
	if names[0] != "a.txt" || names[1] != "sub" {
		t.Fatalf("unexpected children %v", names)
	}
	if node.Children[0].Size != 3 {
		t.Fatalf("expected file size 3, got %d", node.Children[0].Size)
	}
	if len(node.Children[1].Children) != 1 || node.Children[1].Children[0].Name != "b.txt" {
		t.Fatalf("nested child missing: %+v", node.Children[1])
	}
}

func TestService_TreeDepthClamped(t *testing.T) {
	s, dir, _ := newTestService(t)
	writeFile(t, filepath.Join(dir, "l1", "l2", "f.txt"), "x")

	node, err := s.Tree(".", 1)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	// depth 1 lists the top level only
	if len(node.Children) != 1 || node.Children[0].Children != nil {
		t.Fatalf("expected one unexpanded child, got %+v", node.Children)
	}
}

func TestService_TreeNotFound(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.Tree("missing", 1)
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestService_Open(t *testing.T) {
	s, dir, _ := newTestService(t)
	writeFile(t, filepath.Join(dir, "f.txt"), "hello world")

	res, err := s.Open("f.txt", "utf8", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res["content"] != "hello world" || res["truncated"] != false {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestService_OpenTruncates(t *testing.T) {
	s, dir, _ := newTestService(t)
	writeFile(t, filepath.Join(dir, "big.txt"), strings.Repeat("x", 100))

	res, err := s.Open("big.txt", "", 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(res["content"].(string)) != 10 || res["truncated"] != true {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestService_OpenBadEncoding(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.Open("f.txt", "latin1", 0)
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindMalformed {
		t.Fatalf("expected Malformed, got %v", err)
	}
}

func TestService_CreateDeleteRename(t *testing.T) {
	s, dir, _ := newTestService(t)

	if err := s.Create("new/file.txt", "file", "content"); err != nil {
		t.Fatalf("Create file: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "new", "file.txt")); err != nil || string(data) != "content" {
		t.Fatalf("file not created: %q, err %v", data, err)
	}

	if err := s.Create("new/file.txt", "file", "again"); err == nil {
		t.Fatal("expected Conflict for existing file")
	}

	if err := s.Create("adir", "dir", ""); err != nil {
		t.Fatalf("Create dir: %v", err)
	}

	if err := s.Rename("new/file.txt", "adir/moved.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "adir", "moved.txt")); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}

	err := s.Delete("adir", false)
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindRefused {
		t.Fatalf("expected Refused for non-recursive dir delete, got %v", err)
	}
	if err := s.Delete("adir", true); err != nil {
		t.Fatalf("recursive delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "adir")); !os.IsNotExist(err) {
		t.Fatal("directory survived delete")
	}
}

func TestService_DeleteRootRefused(t *testing.T) {
	s, _, _ := newTestService(t)
	err := s.Delete(".", true)
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindRefused {
		t.Fatalf("expected Refused, got %v", err)
	}
}

func TestService_WatchEmitsEvents(t *testing.T) {
	s, dir, eb := newTestService(t)
	events := eb.Subscribe()
	defer eb.Unsubscribe(events)

	if err := s.Watch("conn-1", "."); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	writeFile(t, filepath.Join(dir, "born.txt"), "x")

	e := waitFsEvent(t, events, "created")
	data := e.Data.(map[string]any)
	if data["path"] != "born.txt" {
		t.Fatalf("unexpected event %v", data)
	}
	if e.ConnID != "conn-1" {
		t.Fatalf("event not addressed to watcher's connection: %q", e.ConnID)
	}
}

func TestService_WatchDetectsDelete(t *testing.T) {
	s, dir, eb := newTestService(t)
	writeFile(t, filepath.Join(dir, "doomed.txt"), "x")
	events := eb.Subscribe()
	defer eb.Unsubscribe(events)

	if err := s.Watch("conn-1", "."); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "doomed.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	e := waitFsEvent(t, events, "deleted")
	if e.Data.(map[string]any)["path"] != "doomed.txt" {
		t.Fatalf("unexpected event %v", e.Data)
	}
}

func TestService_WatcherLimit(t *testing.T) {
	s, dir, _ := newTestService(t)
	for i := 0; i < maxWatchersPerConn; i++ {
		sub := filepath.Join(dir, "d", string(rune('a'+i%26))+string(rune('a'+i/26)))
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := s.Watch("conn-1", s.resolver.Rel(sub)); err != nil {
			t.Fatalf("watch %d: %v", i, err)
		}
	}
	err := s.Watch("conn-1", ".")
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindConflict {
		t.Fatalf("expected Conflict at watcher limit, got %v", err)
	}
}

func TestService_DisconnectDropsWatchers(t *testing.T) {
	s, _, _ := newTestService(t)
	if err := s.Watch("conn-1", "."); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got := s.watchers.count("conn-1"); got != 1 {
		t.Fatalf("expected 1 watcher, got %d", got)
	}
	s.HandleDisconnect("conn-1")
	if got := s.watchers.count("conn-1"); got != 0 {
		t.Fatalf("expected watchers dropped, got %d", got)
	}
}

func TestService_HandleOps(t *testing.T) {
	s, dir, _ := newTestService(t)
	writeFile(t, filepath.Join(dir, "f.txt"), "hi")

	res, err := s.Handle(context.Background(), "conn-1", &ws.Envelope{
		Type: "fileSystem", Op: "open",
		Payload: json.RawMessage(`{"path":"f.txt"}`),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.(map[string]any)["content"] != "hi" {
		t.Fatalf("unexpected result %v", res)
	}

	_, err = s.Handle(context.Background(), "conn-1", &ws.Envelope{Type: "fileSystem", Op: "bogus"})
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindMalformed {
		t.Fatalf("expected Malformed, got %v", err)
	}
}

func waitFsEvent(t *testing.T, events <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != "fs_event" {
				continue
			}
			if e.Data.(map[string]any)["kind"] == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for fs_event %q", kind)
		}
	}
}
