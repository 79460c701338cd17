package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Load(root, "")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	// Port 0 lets the OS pick a free port for each test server.
	cfg.Server.Port = 0
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func baseURL(s *Server) string {
	return "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port()))
}

func TestStatusEndpoint(t *testing.T) {
	s := startServer(t, testConfig(t))

	resp, err := http.Get(baseURL(s) + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running true")
	}
	if status.Port != s.Port() {
		t.Fatalf("expected port %d, got %d", s.Port(), status.Port)
	}
	if status.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), status.PID)
	}
	if status.Version == "" || status.StartedAt == "" {
		t.Fatalf("expected version and startedAt, got %+v", status)
	}
}

func TestShutdownEndpointSignals(t *testing.T) {
	s := startServer(t, testConfig(t))

	resp, err := http.Post(baseURL(s)+"/api/shutdown", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/shutdown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	select {
	case <-s.ShutdownRequests():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown request not signalled")
	}
}

func TestShutdownRejectsNonLoopback(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/shutdown", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	select {
	case <-s.ShutdownRequests():
		t.Fatal("shutdown must not fire for remote peers")
	default:
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	s := startServer(t, testConfig(t))

	url := "ws" + strings.TrimPrefix(baseURL(s), "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"tunnels","id":"t1","op":"list"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Data struct {
			Tunnels []any `json:"tunnels"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "tunnels_response" || frame.ID != "t1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if len(frame.Data.Tunnels) != 0 {
		t.Fatalf("expected empty tunnel list, got %v", frame.Data.Tunnels)
	}
}

func TestStaticPlaceholderAndSPAFallback(t *testing.T) {
	s := startServer(t, testConfig(t))

	for _, path := range []string{"/", "/some/client/route"} {
		resp, err := http.Get(baseURL(s) + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body := make([]byte, 4096)
		n, _ := resp.Body.Read(body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
		if !strings.Contains(string(body[:n]), "on-the-go daemon") {
			t.Fatalf("GET %s: placeholder page not served", path)
		}
	}
}

func TestStaticDirOverride(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>custom ui</html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	cfg.Server.StaticDir = dir
	s := startServer(t, cfg)

	resp, err := http.Get(baseURL(s) + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body := make([]byte, 1024)
	n, _ := resp.Body.Read(body)
	if !strings.Contains(string(body[:n]), "custom ui") {
		t.Fatal("expected the configured static dir to win over the embed")
	}
}

func TestPortFallbackProbe(t *testing.T) {
	// Occupy a port, then configure the server to want exactly that port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port
	if taken >= 65535 {
		t.Skip("no room above the occupied port")
	}

	cfg := testConfig(t)
	cfg.Server.Port = taken
	s := startServer(t, cfg)
	if s.Port() == taken || s.Port() == 0 {
		t.Fatalf("expected a fallback port, got %d", s.Port())
	}
	if s.Port() < taken || s.Port() > taken+portProbeRange {
		t.Fatalf("fallback port %d outside probe range from %d", s.Port(), taken)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		allowed bool
	}{
		{"wildcard", []string{"*"}, "https://app.example.com", true},
		{"exact", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"exact mismatch", []string{"https://app.example.com"}, "https://evil.example.org", false},
		{"subdomain wildcard", []string{"https://*.example.com"}, "https://dev.example.com", true},
		{"subdomain wildcard mismatch", []string{"https://*.example.com"}, "https://example.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), tt.origins)

			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tt.allowed && got != tt.origin {
				t.Fatalf("expected allow-origin %q, got %q", tt.origin, got)
			}
			if !tt.allowed && got != "" {
				t.Fatalf("expected no allow-origin header, got %q", got)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the next handler")
	}), []string{"*"})

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
