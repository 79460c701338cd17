package server

import (
	"embed"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"
)

//go:embed static/*
var staticFiles embed.FS

// routes builds the HTTP handler tree: /ws upgrade, /api endpoints behind
// CORS, and the static UI on everything else.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.mux.HandleUpgrade)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("POST /api/shutdown", s.handleShutdown)
	mux.Handle("/api/", corsMiddleware(api, s.cfg.WebSocket.AllowedOrigins))

	mux.Handle("/", s.staticHandler())
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// handleShutdown triggers graceful shutdown. Only loopback peers may call
// it; the daemon is a local tool and remote stops go through the tunnel
// owner's own shell.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || !net.ParseIP(host).IsLoopback() {
		writeError(w, http.StatusForbidden, "shutdown is restricted to loopback clients")
		return
	}
	s.log.Info("shutdown requested over http", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	s.requestShutdown()
}

// staticHandler serves the web UI: cfg.Server.StaticDir when configured,
// the embedded placeholder otherwise. Non-file paths fall back to
// index.html so client-side routing works.
func (s *Server) staticHandler() http.Handler {
	if dir := s.cfg.Server.StaticDir; dir != "" {
		return spaHandler{root: os.DirFS(dir)}
	}
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		// The embed is compiled in; this only fires if static/ was renamed.
		s.log.Warn("embedded static files unavailable", zap.Error(err))
		return http.NotFoundHandler()
	}
	return spaHandler{root: sub}
}

type spaHandler struct {
	root fs.FS
}

func (h spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}
	if info, err := fs.Stat(h.root, name); err != nil || info.IsDir() {
		// SPA fallback; directory listings are never served.
		name = "index.html"
	}
	http.ServeFileFS(w, r, h.root, name)
}

// corsMiddleware adds CORS headers for allowed origins. Patterns may use a
// wildcard subdomain, e.g. "https://*.example.com".
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if idx := strings.Index(o, "*."); idx >= 0 {
				prefix := o[:idx]
				suffix := o[idx+1:] // keeps the dot
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
