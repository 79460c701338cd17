package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// newTestBridge wires a Bridge to an in-memory stub agent, skipping the
// process spawn that Connect performs.
func newTestBridge(t *testing.T, adapter string, caps PromptCapabilities) (*Bridge, *stubPeer, <-chan bus.Event) {
	t.Helper()
	dir := t.TempDir()
	eb := bus.New(64, nil)
	events := eb.Subscribe()
	t.Cleanup(func() { eb.Unsubscribe(events) })

	store, err := NewStore(filepath.Join(dir, "acp"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	b := NewBridge(Config{DataDir: filepath.Join(dir, "acp"), Workspace: dir}, eb, store, nil)

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	conn := NewConn(stdinW, stdoutR, NDJSONFramer{}, nil)
	t.Cleanup(conn.Close)

	ag := &agent{conn: conn, adapter: adapter, framing: "ndjson", caps: caps}
	ag.init.AuthMethods = json.RawMessage(`[{"id":"oauth","name":"OAuth"}]`)
	b.mu.Lock()
	b.agent = ag
	b.lastCwd = dir
	b.mu.Unlock()
	b.wireHandlers(conn)

	peer := &stubPeer{in: bufio.NewReader(stdinR), out: stdoutW, framer: NDJSONFramer{}}
	return b, peer, events
}

// waitEvent drains events until one of the wanted type arrives.
func waitEvent(t *testing.T, events <-chan bus.Event, eventType string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventType {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func eventData(t *testing.T, e bus.Event) map[string]any {
	t.Helper()
	data, ok := e.Data.(map[string]any)
	if !ok {
		t.Fatalf("event data is %T, want map", e.Data)
	}
	return data
}

func TestBridge_PromptAckThenStream(t *testing.T) {
	b, peer, events := newTestBridge(t, "claude", PromptCapabilities{})
	b.store.AddSession("sess-1")

	go func() {
		msg := peer.read(t)
		if msg.Method != "session/prompt" {
			t.Errorf("expected session/prompt, got %q", msg.Method)
		}
		for _, text := range []string{"first", "second", "third"} {
			peer.write(t, rpcMessage{
				Method: "session/update",
				Params: json.RawMessage(`{"sessionId":"sess-1","update":{"kind":"text","text":"` + text + `"}}`),
			})
		}
		time.Sleep(100 * time.Millisecond)
		peer.write(t, rpcMessage{ID: msg.ID, Result: json.RawMessage(`{"stopReason":"end_turn"}`)})
	}()

	start := time.Now()
	ack, err := b.Prompt(context.Background(), "", []ContentBlock{{Type: "text", Text: "hello"}})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("ack was not immediate")
	}
	if ack["ack"] != true || ack["sessionId"] != "sess-1" {
		t.Fatalf("unexpected ack %v", ack)
	}

	for _, want := range []string{"first", "second", "third"} {
		e := waitEvent(t, events, "session_update")
		data := eventData(t, e)
		raw, _ := json.Marshal(data["update"])
		var update struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &update); err != nil || update.Text != want {
			t.Fatalf("expected update %q, got %s (err %v)", want, raw, err)
		}
	}

	final := waitEvent(t, events, "acp_final")
	data := eventData(t, final)
	if data["sessionId"] != "sess-1" {
		t.Fatalf("unexpected final event %v", data)
	}

	entries, err := b.store.Thread("sess-1")
	if err != nil || len(entries) != 3 {
		t.Fatalf("expected 3 persisted updates, got %d (err %v)", len(entries), err)
	}
}

func TestBridge_PromptWithoutSession(t *testing.T) {
	b, _, _ := newTestBridge(t, "claude", PromptCapabilities{})
	_, err := b.Prompt(context.Background(), "", []ContentBlock{{Type: "text", Text: "hi"}})
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestBridge_PromptCapabilityGating(t *testing.T) {
	b, _, _ := newTestBridge(t, "claude", PromptCapabilities{Image: false})
	b.store.AddSession("sess-1")
	_, err := b.Prompt(context.Background(), "", []ContentBlock{
		{Type: "image", Data: "aGk=", MimeType: "image/png"},
	})
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindRefused {
		t.Fatalf("expected Refused for ungated image block, got %v", err)
	}
}

func TestBridge_PermissionRoundTrip(t *testing.T) {
	b, peer, events := newTestBridge(t, "claude", PromptCapabilities{})
	b.store.AddSession("sess-1")

	peer.write(t, rpcMessage{
		ID:     json.RawMessage(`"perm-1"`),
		Method: "session/request_permission",
		Params: json.RawMessage(`{"sessionId":"sess-1","options":[
			{"optionId":"allow","name":"Allow","kind":"allow_once"},
			{"optionId":"reject","name":"Reject","kind":"reject_once"}]}`),
	})

	e := waitEvent(t, events, "permission_request")
	data := eventData(t, e)
	reqID, ok := data["requestId"].(int64)
	if !ok {
		t.Fatalf("requestId is %T, want int64", data["requestId"])
	}
	req := data["request"].(map[string]any)
	options := req["options"].([]permissionOption)
	if len(options) != 2 || options[0].ID != "allow" || options[0].Kind != "allow_once" {
		t.Fatalf("options not normalized: %+v", options)
	}

	if err := b.ResolvePermission(reqID, "selected", "allow"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	resp := peer.read(t)
	if string(resp.ID) != `"perm-1"` {
		t.Fatalf("expected agent request id echoed, got %s", resp.ID)
	}
	var result struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("bad result: %v", err)
	}
	if result.Outcome.Outcome != "selected" || result.Outcome.OptionID != "allow" {
		t.Fatalf("unexpected outcome %+v", result.Outcome)
	}
}

func TestBridge_SecondPermissionCancelsFirst(t *testing.T) {
	b, peer, events := newTestBridge(t, "claude", PromptCapabilities{})
	b.store.AddSession("sess-1")

	params := json.RawMessage(`{"sessionId":"sess-1","options":[{"optionId":"a","name":"A","kind":"allow_once"}]}`)
	peer.write(t, rpcMessage{ID: json.RawMessage(`"perm-1"`), Method: "session/request_permission", Params: params})
	waitEvent(t, events, "permission_request")
	peer.write(t, rpcMessage{ID: json.RawMessage(`"perm-2"`), Method: "session/request_permission", Params: params})

	// The first request is answered cancelled as soon as the second arrives.
	resp := peer.read(t)
	if string(resp.ID) != `"perm-1"` {
		t.Fatalf("expected first request answered, got id %s", resp.ID)
	}
	var result struct {
		Outcome struct {
			Outcome string `json:"outcome"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("bad result: %v", err)
	}
	if result.Outcome.Outcome != "cancelled" {
		t.Fatalf("expected cancelled, got %q", result.Outcome.Outcome)
	}
}

func TestBridge_ResolveUnknownPermission(t *testing.T) {
	b, _, _ := newTestBridge(t, "claude", PromptCapabilities{})
	err := b.ResolvePermission(99, "selected", "x")
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestBridge_SessionRecovery(t *testing.T) {
	b, peer, events := newTestBridge(t, "claude", PromptCapabilities{})
	b.store.AddSession("old-sid")
	b.store.SetMode("old-sid", "plan")

	go func() {
		// Original call fails with session-not-found.
		msg := peer.read(t)
		if msg.Method != "session/set_mode" {
			t.Errorf("expected session/set_mode first, got %q", msg.Method)
		}
		peer.write(t, rpcMessage{ID: msg.ID, Error: &RPCError{Code: -32001, Message: "Session not found"}})

		// The bridge creates a replacement session.
		msg = peer.read(t)
		if msg.Method != "session/new" {
			t.Errorf("expected session/new, got %q", msg.Method)
		}
		peer.write(t, rpcMessage{ID: msg.ID, Result: json.RawMessage(`{"sessionId":"new-sid"}`)})

		// Retry carries the new session id.
		msg = peer.read(t)
		var params struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.SessionID != "new-sid" {
			t.Errorf("retry did not carry new session id: %s", msg.Params)
		}
		peer.write(t, rpcMessage{ID: msg.ID, Result: json.RawMessage(`{}`)})
	}()

	if err := b.SetMode(context.Background(), "old-sid", "code"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	e := waitEvent(t, events, "session_recovered")
	data := eventData(t, e)
	if data["oldSessionId"] != "old-sid" || data["newSessionId"] != "new-sid" {
		t.Fatalf("unexpected recovery event %v", data)
	}
	if b.store.HasSession("old-sid") || !b.store.HasSession("new-sid") {
		t.Fatal("store not rewired to the recovered session")
	}
	if got := b.store.Mode("new-sid"); got != "code" {
		t.Fatalf("expected mode recorded under new session, got %q", got)
	}
}

func TestBridge_RecoveryRetryFailureReturnsOriginalError(t *testing.T) {
	b, peer, _ := newTestBridge(t, "claude", PromptCapabilities{})
	b.store.AddSession("old-sid")

	go func() {
		msg := peer.read(t)
		peer.write(t, rpcMessage{ID: msg.ID, Error: &RPCError{Code: -32001, Message: "session not found"}})
		msg = peer.read(t)
		peer.write(t, rpcMessage{ID: msg.ID, Result: json.RawMessage(`{"sessionId":"new-sid"}`)})
		msg = peer.read(t)
		peer.write(t, rpcMessage{ID: msg.ID, Error: &RPCError{Code: -32603, Message: "still broken"}})
	}()

	err := b.SetMode(context.Background(), "old-sid", "code")
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindNotFound {
		t.Fatalf("expected original session-not-found error, got %v", err)
	}
}

func TestBridge_SetModeParamCasing(t *testing.T) {
	tests := []struct {
		adapter string
		sidKey  string
		modeKey string
	}{
		{"claude", "sessionId", "modeId"},
		{"generic", "session_id", "mode_id"},
	}
	for _, tt := range tests {
		t.Run(tt.adapter, func(t *testing.T) {
			b, peer, _ := newTestBridge(t, tt.adapter, PromptCapabilities{})
			b.store.AddSession("sess-1")

			go func() {
				msg := peer.read(t)
				var params map[string]any
				if err := json.Unmarshal(msg.Params, &params); err != nil {
					t.Errorf("bad params: %v", err)
				}
				if _, ok := params[tt.sidKey]; !ok {
					t.Errorf("missing %q in params %v", tt.sidKey, params)
				}
				if _, ok := params[tt.modeKey]; !ok {
					t.Errorf("missing %q in params %v", tt.modeKey, params)
				}
				peer.write(t, rpcMessage{ID: msg.ID, Result: json.RawMessage(`{}`)})
			}()

			if err := b.SetMode(context.Background(), "sess-1", "plan"); err != nil {
				t.Fatalf("SetMode: %v", err)
			}
		})
	}
}

func TestBridge_AuthRequiredClassification(t *testing.T) {
	b, peer, _ := newTestBridge(t, "claude", PromptCapabilities{})

	go func() {
		msg := peer.read(t)
		peer.write(t, rpcMessage{ID: msg.ID, Error: &RPCError{Code: -32000, Message: "Authentication required"}})
	}()

	err := b.Authenticate(context.Background(), "oauth")
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindAuthRequired {
		t.Fatalf("expected AuthRequired, got %v", err)
	}
	data, ok := we.Data.(map[string]any)
	if !ok || data["authMethods"] == nil {
		t.Fatalf("expected authMethods attached, got %v", we.Data)
	}
}

func TestBridge_BareUpdateNormalized(t *testing.T) {
	b, peer, events := newTestBridge(t, "claude", PromptCapabilities{})
	b.store.AddSession("sess-1")

	peer.write(t, rpcMessage{
		Method: "session/update",
		Params: json.RawMessage(`{"kind":"text","text":"bare"}`),
	})

	e := waitEvent(t, events, "session_update")
	data := eventData(t, e)
	if data["sessionId"] != "sess-1" {
		t.Fatalf("bare update not attributed to last session: %v", data)
	}
}

func TestBridge_ModelsListUnsupported(t *testing.T) {
	b, peer, _ := newTestBridge(t, "generic", PromptCapabilities{})
	b.store.AddSession("sess-1")

	go func() {
		msg := peer.read(t)
		peer.write(t, rpcMessage{ID: msg.ID, Error: &RPCError{Code: -32601, Message: "method not found"}})
	}()

	models, err := b.ListModels(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if string(models) != `[]` {
		t.Fatalf("expected empty list, got %s", models)
	}
}

func TestBridge_SelectModelUnsupported(t *testing.T) {
	b, peer, _ := newTestBridge(t, "generic", PromptCapabilities{})
	b.store.AddSession("sess-1")

	go func() {
		msg := peer.read(t)
		peer.write(t, rpcMessage{ID: msg.ID, Error: &RPCError{Code: -32601, Message: "method not found"}})
	}()

	err := b.SelectModel(context.Background(), "sess-1", "claude-opus")
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindRefused {
		t.Fatalf("expected Refused, got %v", err)
	}
}

func TestBridge_OpsWithoutAgent(t *testing.T) {
	dir := t.TempDir()
	eb := bus.New(16, nil)
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	b := NewBridge(Config{DataDir: dir, Workspace: dir}, eb, store, nil)

	_, perr := b.Prompt(context.Background(), "s", []ContentBlock{{Type: "text", Text: "x"}})
	var we *ws.Error
	if !errors.As(perr, &we) || we.Kind != ws.KindUnavailable {
		t.Fatalf("expected Unavailable without agent, got %v", perr)
	}
}

func TestBridge_ApplyDiff(t *testing.T) {
	b, _, _ := newTestBridge(t, "claude", PromptCapabilities{})
	root := b.cfg.Workspace

	if err := b.ApplyDiff("sub/file.txt", "new contents"); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "sub", "file.txt"))
	if err != nil || string(data) != "new contents" {
		t.Fatalf("file not written: %q, err %v", data, err)
	}

	err = b.ApplyDiff("../outside.txt", "nope")
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindRefused {
		t.Fatalf("expected Refused for escaping path, got %v", err)
	}
}

func TestBridge_HandleUnknownOp(t *testing.T) {
	b, _, _ := newTestBridge(t, "claude", PromptCapabilities{})
	_, err := b.Handle(context.Background(), "conn-1", &ws.Envelope{Type: "acp", Op: "bogus"})
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindMalformed {
		t.Fatalf("expected Malformed, got %v", err)
	}
}

func TestBridge_HandleThreadOps(t *testing.T) {
	b, _, _ := newTestBridge(t, "claude", PromptCapabilities{})
	b.store.AddSession("sess-1")
	b.store.AppendUpdate("sess-1", json.RawMessage(`{"n":1}`))

	res, err := b.Handle(context.Background(), "conn-1", &ws.Envelope{
		Type: "acp", Op: "thread.get",
		Payload: json.RawMessage(`{"sessionId":"sess-1"}`),
	})
	if err != nil {
		t.Fatalf("thread.get: %v", err)
	}
	entries := res.(map[string]any)["entries"].([]ThreadEntry)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	res, err = b.Handle(context.Background(), "conn-1", &ws.Envelope{Type: "acp", Op: "threads.list"})
	if err != nil {
		t.Fatalf("threads.list: %v", err)
	}
	threads := res.(map[string]any)["threads"].([]ThreadSummary)
	if len(threads) != 1 || threads[0].ID != "sess-1" {
		t.Fatalf("unexpected threads %+v", threads)
	}
}

func TestDisconnect_KillsLingeringAgent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX child that ignores stdin close")
	}
	b, _, events := newTestBridge(t, "claude", PromptCapabilities{})

	// sleep never reads stdin, so closing the conn alone cannot end it; the
	// grace-then-kill escalation has to.
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	b.mu.Lock()
	ag := b.agent
	ag.cmd = cmd
	ag.exited = make(chan struct{})
	b.mu.Unlock()
	go b.waitChild(ag)

	start := time.Now()
	b.Disconnect()
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("disconnect took %v", elapsed)
	}

	select {
	case <-ag.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("child still running after disconnect")
	}
	waitEvent(t, events, "agent_exit")
}
