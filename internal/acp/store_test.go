package acp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, dir
}

func TestStore_SessionsPersistAcrossReopen(t *testing.T) {
	s, dir := newTestStore(t)
	s.AddSession("sess-a")
	s.AddSession("sess-b")
	s.SetLastSession("sess-a")

	reopened, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.Sessions()
	if len(got) != 2 || got[0] != "sess-a" || got[1] != "sess-b" {
		t.Fatalf("unexpected sessions %v", got)
	}
	if reopened.LastSession() != "sess-a" {
		t.Fatalf("expected last session sess-a, got %q", reopened.LastSession())
	}
}

func TestStore_AddSessionIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddSession("sess-a")
	s.AddSession("sess-a")
	if got := s.Sessions(); len(got) != 1 {
		t.Fatalf("expected 1 session, got %v", got)
	}
}

func TestStore_ModesPersist(t *testing.T) {
	s, dir := newTestStore(t)
	s.SetMode("sess-a", "plan")

	reopened, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Mode("sess-a"); got != "plan" {
		t.Fatalf("expected mode plan, got %q", got)
	}
}

func TestStore_ThreadAppendAndRead(t *testing.T) {
	s, _ := newTestStore(t)
	s.AppendUpdate("sess-a", json.RawMessage(`{"kind":"text","text":"one"}`))
	s.AppendUpdate("sess-a", json.RawMessage(`{"kind":"text","text":"two"}`))

	entries, err := s.Thread("sess-a")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	var first struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(entries[0].Update, &first); err != nil {
		t.Fatalf("bad entry: %v", err)
	}
	if first.Text != "one" {
		t.Fatalf("expected append order preserved, got %q first", first.Text)
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatal("expected timestamp on entry")
	}
}

func TestStore_ThreadIndex(t *testing.T) {
	s, _ := newTestStore(t)
	s.AppendUpdate("sess-a", json.RawMessage(`{"n":1}`))
	s.AppendUpdate("sess-a", json.RawMessage(`{"n":2}`))
	s.AppendUpdate("sess-b", json.RawMessage(`{"n":3}`))

	threads := s.Threads()
	if len(threads) != 2 {
		t.Fatalf("expected 2 thread summaries, got %d", len(threads))
	}
	counts := map[string]int{}
	for _, th := range threads {
		counts[th.ID] = th.MessageCount
	}
	if counts["sess-a"] != 2 || counts["sess-b"] != 1 {
		t.Fatalf("unexpected message counts %v", counts)
	}
}

func TestStore_ThreadOfUnknownSessionIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	entries, err := s.Thread("nope")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestStore_RemoveSession(t *testing.T) {
	s, dir := newTestStore(t)
	s.AddSession("sess-a")
	s.SetMode("sess-a", "plan")
	s.AppendUpdate("sess-a", json.RawMessage(`{"n":1}`))

	s.RemoveSession("sess-a")
	if s.HasSession("sess-a") {
		t.Fatal("session still present after remove")
	}
	if s.Mode("sess-a") != "" {
		t.Fatal("mode survived remove")
	}
	if _, err := os.Stat(filepath.Join(dir, "threads", "sess-a.json")); !os.IsNotExist(err) {
		t.Fatal("thread file survived remove")
	}
}

func TestStore_ReplaceSessionCarriesState(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddSession("old-sid")
	s.SetMode("old-sid", "code")
	s.AppendUpdate("old-sid", json.RawMessage(`{"n":1}`))

	s.ReplaceSession("old-sid", "new-sid")

	if s.HasSession("old-sid") {
		t.Fatal("old session id still listed")
	}
	if !s.HasSession("new-sid") {
		t.Fatal("new session id not listed")
	}
	if s.LastSession() != "new-sid" {
		t.Fatalf("expected last session new-sid, got %q", s.LastSession())
	}
	if got := s.Mode("new-sid"); got != "code" {
		t.Fatalf("expected mode carried over, got %q", got)
	}
	entries, err := s.Thread("new-sid")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected thread carried over, got %d entries, err %v", len(entries), err)
	}
}

func TestStore_AtomicFilesHaveNoTempLeftovers(t *testing.T) {
	s, dir := newTestStore(t)
	s.AddSession("sess-a")
	s.SetMode("sess-a", "plan")

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sess-123_A", "sess-123_A"},
		{"../../etc/passwd", "_________etc_passwd"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := sanitizeSessionID(tt.in); got != tt.want {
			t.Fatalf("sanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStore_SkipsCorruptThreadLine(t *testing.T) {
	s, dir := newTestStore(t)
	s.AppendUpdate("sess-a", json.RawMessage(`{"n":1}`))
	path := filepath.Join(dir, "threads", "sess-a.json")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{torn"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	entries, err := s.Thread("sess-a")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected torn line skipped, got %d entries", len(entries))
	}
}
