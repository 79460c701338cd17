// Command on-the-go is a workstation daemon that exposes the local
// filesystem, git, shell sessions, an AI agent bridge and cloudflared
// tunnels over a single HTTP+WebSocket endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/config"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/logging"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/server"
)

const stopWait = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}
	switch args[0] {
	case "init":
		return cmdInit(args[1:])
	case "start":
		return cmdStart(args[1:])
	case "stop":
		return cmdStop(args[1:])
	case "status":
		return cmdStatus(args[1:])
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: on-the-go <command> [flags]

commands:
  init    scaffold .on-the-go/ in a workspace
  start   run the daemon in the foreground
  stop    stop a running daemon
  status  show daemon status
`)
}

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", ".", "workspace directory to initialize")
	_ = fs.Parse(args)

	path, err := config.InitWorkspace(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		return 1
	}
	fmt.Printf("initialized %s\n", path)
	return 0
}

func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	port := fs.Int("port", 0, "listen port (overrides config)")
	configPath := fs.String("config", "", "config file path")
	workspace := fs.String("workspace", "", "workspace root (default: current directory)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*workspace, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	log, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error("daemon init failed", zap.Error(err))
		if errors.Is(err, server.ErrAgentInit) {
			return 3
		}
		return 1
	}
	if err := srv.Start(); err != nil {
		if errors.Is(err, server.ErrPortExhausted) {
			log.Error("no free port", zap.Error(err))
			return 2
		}
		log.Error("listen failed", zap.Error(err))
		return 1
	}

	pidFile := cfg.PIDFile()
	if err := writePIDFile(pidFile, os.Getpid()); err != nil {
		log.Warn("could not write pid file", zap.String("path", pidFile), zap.Error(err))
	} else {
		defer func() { _ = os.Remove(pidFile) }()
	}

	fmt.Printf("on-the-go daemon listening on http://%s:%d\n", cfg.Server.Host, srv.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigCh:
		log.Info("signal received", zap.String("signal", sig.String()))
		if sig == syscall.SIGINT {
			code = 130
		}
	case <-srv.ShutdownRequests():
		log.Info("shutdown requested by client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopWait)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Warn("graceful stop incomplete", zap.Error(err))
	}
	return code
}

func cmdStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load("", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	if pid, err := readPIDFile(cfg.PIDFile()); err == nil {
		if stopByPID(pid) {
			fmt.Println("daemon stopped")
			return 0
		}
	}

	// No usable PID file; ask the daemon to stop over HTTP.
	url := fmt.Sprintf("http://%s/api/shutdown",
		joinHostPort(cfg.Server.Host, cfg.Server.Port))
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon not reachable: %v\n", err)
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "shutdown refused: HTTP %d\n", resp.StatusCode)
		return 1
	}
	fmt.Println("daemon stopping")
	return 0
}

// stopByPID sends SIGTERM and waits for the process to exit.
func stopByPID(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return false
	}
	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		// Signal 0 probes liveness without delivering anything.
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print raw JSON")
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load("", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	url := fmt.Sprintf("http://%s/api/status",
		joinHostPort(cfg.Server.Host, cfg.Server.Port))
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("daemon: not running")
		return 1
	}
	defer resp.Body.Close()

	var status struct {
		Running     bool   `json:"running"`
		Port        int    `json:"port"`
		PID         int    `json:"pid"`
		Uptime      int64  `json:"uptime"`
		Connections int    `json:"connections"`
		Version     string `json:"version"`
		StartedAt   string `json:"startedAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil || !status.Running {
		fmt.Println("daemon: not running")
		return 1
	}

	if *asJSON {
		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
		return 0
	}
	fmt.Printf("daemon: running\nport: %d\npid: %d\nuptime: %s\nconnections: %d\nversion: %s\nstarted: %s\n",
		status.Port, status.PID, (time.Duration(status.Uptime) * time.Second).String(),
		status.Connections, status.Version, status.StartedAt)
	return 0
}

func joinHostPort(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]:" + strconv.Itoa(port)
	}
	return host + ":" + strconv.Itoa(port)
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}
