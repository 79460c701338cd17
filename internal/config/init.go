package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const readmeText = `# on-the-go

This directory holds the daemon's workspace-local state.

- config.json   daemon configuration (edit and restart to apply)
- prompts/      prompt files picked up by the agent bridge
- results/      command and prompt outputs
- acp/          persisted agent sessions and conversation threads

Start the daemon from the workspace root:

    on-the-go start

Then open the printed URL (or a tunnel URL) from your phone or browser.
`

// defaultFile is the config.json written by InitWorkspace. Only the common
// knobs are spelled out; everything else falls back to defaults.
type defaultFile struct {
	Version int `json:"version"`
	Server  struct {
		Port int    `json:"port"`
		Host string `json:"host"`
	} `json:"server"`
	Terminal struct {
		Shell string `json:"shell"`
		Cwd   string `json:"cwd"`
	} `json:"terminal"`
	Prompts struct {
		Dir string `json:"dir"`
	} `json:"prompts"`
	Results struct {
		Dir string `json:"dir"`
	} `json:"results"`
}

// InitWorkspace scaffolds <root>/.on-the-go with a default config.json,
// prompts/ and results/ directories, and a README. Existing files are left
// untouched; the call is idempotent.
func InitWorkspace(root string) (string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	dir := filepath.Join(root, DirName)

	for _, d := range []string{dir, filepath.Join(dir, "prompts"), filepath.Join(dir, "results")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", d, err)
		}
	}

	cfgPath := filepath.Join(dir, "config.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		var f defaultFile
		f.Version = 1
		f.Server.Port = 3000
		f.Server.Host = "127.0.0.1"
		f.Terminal.Shell = defaultShell()
		f.Terminal.Cwd = root
		f.Prompts.Dir = filepath.Join(dir, "prompts")
		f.Results.Dir = filepath.Join(dir, "results")

		data, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(cfgPath, append(data, '\n'), 0o644); err != nil {
			return "", fmt.Errorf("write config.json: %w", err)
		}
	}

	readmePath := filepath.Join(dir, "README.md")
	if _, err := os.Stat(readmePath); os.IsNotExist(err) {
		if err := os.WriteFile(readmePath, []byte(readmeText), 0o644); err != nil {
			return "", fmt.Errorf("write README.md: %w", err)
		}
	}

	return dir, nil
}
