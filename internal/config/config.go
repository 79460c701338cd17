// Package config loads daemon configuration from ./.on-the-go/config.json
// with environment-variable overrides (legacy KIRO_* names).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DirName is the workspace-local directory holding config and state.
const DirName = ".on-the-go"

// Config is the resolved daemon configuration.
type Config struct {
	Version int

	Server    ServerConfig
	Logging   LoggingConfig
	WebSocket WebSocketConfig
	Terminal  TerminalConfig
	Prompts   DirConfig
	Results   DirConfig
	ACP       ACPConfig
	Git       GitConfig
	FS        FSConfig
	Tunnel    TunnelConfig

	// WorkspaceRoot is the directory the daemon serves. Not read from the
	// config file; set from the CLI flag or the process working directory.
	WorkspaceRoot string
	// ConfigDir is the resolved .on-the-go directory.
	ConfigDir string
}

type ServerConfig struct {
	Port      int
	Host      string
	StaticDir string
	AuthToken string
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	Permissive     bool
}

type TerminalConfig struct {
	Shell         string
	Cwd           string
	MaxSessions   int
	AllowUnsafe   bool
	InjectAICreds bool
	Debug         bool
	EnvAllow      []string
	EnvDeny       []string
}

type DirConfig struct {
	Dir string
}

type ACPConfig struct {
	DataDir         string
	ConnectTimeout  time.Duration
	PromptTimeout   time.Duration
	WarnSlowConnect time.Duration
	Autostart       bool
	AutostartAgents []string
}

type GitConfig struct {
	AllowDestructive bool
	Debug            bool
}

type FSConfig struct {
	DenyPaths      []string
	FollowSymlinks bool
	Debug          bool
}

type TunnelConfig struct {
	BinaryPath string
}

// Load reads config.json (if present), applies defaults and environment
// overrides, and returns the resolved configuration. workspaceRoot selects
// the workspace; configPath overrides the default config file location.
func Load(workspaceRoot, configPath string) (*Config, error) {
	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workspaceRoot = wd
	}
	workspaceRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	configDir := filepath.Join(workspaceRoot, DirName)
	if configPath == "" {
		configPath = filepath.Join(configDir, "config.json")
	} else {
		configPath, err = filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		configDir = filepath.Dir(configPath)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	setDefaults(v, configDir)
	bindEnvOverrides(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults plus env apply.
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read %s: %w", configPath, err)
			}
		}
	}

	cfg := &Config{
		Version: v.GetInt("version"),
		Server: ServerConfig{
			Port:      v.GetInt("server.port"),
			Host:      v.GetString("server.host"),
			StaticDir: v.GetString("server.staticDir"),
			AuthToken: v.GetString("server.authToken"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
			File:   v.GetString("logging.file"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: v.GetStringSlice("websocket.allowedOrigins"),
			MaxConnections: v.GetInt("websocket.maxConnections"),
			Permissive:     v.GetBool("websocket.permissive"),
		},
		Terminal: TerminalConfig{
			Shell:         v.GetString("terminal.shell"),
			Cwd:           v.GetString("terminal.cwd"),
			MaxSessions:   v.GetInt("terminal.maxSessions"),
			AllowUnsafe:   v.GetBool("terminal.allowUnsafe"),
			InjectAICreds: v.GetBool("terminal.injectAiCreds"),
			Debug:         v.GetBool("terminal.debug"),
			EnvAllow:      v.GetStringSlice("terminal.env.allow"),
			EnvDeny:       v.GetStringSlice("terminal.env.deny"),
		},
		Prompts: DirConfig{Dir: v.GetString("prompts.dir")},
		Results: DirConfig{Dir: v.GetString("results.dir")},
		ACP: ACPConfig{
			DataDir:         v.GetString("acp.dataDir"),
			ConnectTimeout:  time.Duration(v.GetInt("acp.connectTimeoutMs")) * time.Millisecond,
			PromptTimeout:   time.Duration(v.GetInt("acp.promptTimeoutMs")) * time.Millisecond,
			WarnSlowConnect: time.Duration(v.GetInt("acp.warnSlowConnectMs")) * time.Millisecond,
			Autostart:       v.GetBool("acp.autostart"),
			AutostartAgents: splitList(v.GetStringSlice("acp.autostartAgents")),
		},
		Git: GitConfig{
			AllowDestructive: v.GetBool("git.allowDestructive"),
			Debug:            v.GetBool("git.debug"),
		},
		FS: FSConfig{
			DenyPaths:      v.GetStringSlice("fs.denyPaths"),
			FollowSymlinks: v.GetBool("fs.followSymlinks"),
			Debug:          v.GetBool("fs.debug"),
		},
		Tunnel: TunnelConfig{
			BinaryPath: v.GetString("tunnel.binaryPath"),
		},
		WorkspaceRoot: workspaceRoot,
		ConfigDir:     configDir,
	}

	if cfg.Terminal.Cwd == "" {
		cfg.Terminal.Cwd = workspaceRoot
	}
	if cfg.Terminal.Shell == "" {
		cfg.Terminal.Shell = defaultShell()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList re-splits slice elements on commas so comma-separated env
// values behave like JSON arrays.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("version", 1)
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("websocket.allowedOrigins", []string{"*"})
	v.SetDefault("websocket.maxConnections", 10)
	v.SetDefault("terminal.maxSessions", 50)
	v.SetDefault("prompts.dir", filepath.Join(configDir, "prompts"))
	v.SetDefault("results.dir", filepath.Join(configDir, "results"))
	v.SetDefault("acp.dataDir", filepath.Join(configDir, "acp"))
	v.SetDefault("acp.connectTimeoutMs", 120000)
	v.SetDefault("acp.promptTimeoutMs", 0)
	v.SetDefault("acp.warnSlowConnectMs", 10000)
}

// bindEnvOverrides wires the legacy KIRO_* environment names. The names
// predate this daemon and do not follow a mechanical prefix scheme, so each
// key is bound explicitly.
func bindEnvOverrides(v *viper.Viper) {
	bind := func(key string, envs ...string) {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	bind("logging.level", "KIRO_LOG_LEVEL")
	bind("logging.format", "KIRO_LOG_FORMAT")
	bind("websocket.permissive", "KIRO_WS_PERMISSIVE")
	bind("terminal.allowUnsafe", "KIRO_EXEC_ALLOW_UNSAFE")
	bind("terminal.injectAiCreds", "KIRO_INJECT_AI_CREDS")
	bind("terminal.debug", "KIRO_DEBUG_TERMINAL")
	bind("acp.connectTimeoutMs", "KIRO_ACP_CONNECT_TIMEOUT_MS")
	bind("acp.promptTimeoutMs", "KIRO_ACP_PROMPT_TIMEOUT_MS")
	bind("acp.warnSlowConnectMs", "KIRO_WARN_SLOW_CONNECT_MS")
	bind("acp.autostart", "KIRO_ACP_AUTOSTART")
	bind("acp.autostartAgents", "KIRO_ACP_AUTOSTART_AGENTS")
	bind("git.debug", "KIRO_GIT_DEBUG")
	bind("fs.debug", "KIRO_FS_DEBUG")
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.WebSocket.MaxConnections < 1 {
		return fmt.Errorf("websocket.maxConnections must be at least 1")
	}
	if c.Terminal.MaxSessions < 1 {
		return fmt.Errorf("terminal.maxSessions must be at least 1")
	}
	return nil
}

// PIDFile returns the path of the daemon PID file.
func (c *Config) PIDFile() string {
	return filepath.Join(c.ConfigDir, "daemon.pid")
}
