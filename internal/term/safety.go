package term

import (
	"regexp"
	"strings"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// defaultAllowedCommands gates the first token of exec and line-mode
// commands. Read-only inspection, build tooling, and common developer
// workflows; anything else needs allowUnsafe.
var defaultAllowedCommands = map[string]struct{}{
	"ls": {}, "cat": {}, "head": {}, "tail": {}, "less": {}, "more": {},
	"pwd": {}, "cd": {}, "echo": {}, "printf": {}, "env": {}, "printenv": {},
	"grep": {}, "rg": {}, "find": {}, "wc": {}, "sort": {}, "uniq": {},
	"diff": {}, "which": {}, "whoami": {}, "uname": {}, "date": {},
	"ps": {}, "df": {}, "du": {}, "free": {}, "uptime": {},
	"git": {}, "go": {}, "node": {}, "npm": {}, "npx": {}, "yarn": {},
	"pnpm": {}, "python": {}, "python3": {}, "pip": {}, "pip3": {},
	"cargo": {}, "rustc": {}, "make": {}, "cmake": {},
	"mkdir": {}, "touch": {}, "cp": {}, "mv": {}, "rm": {},
	"curl": {}, "wget": {}, "tar": {}, "gzip": {}, "gunzip": {}, "unzip": {},
	"clear": {}, "cls": {}, "sleep": {}, "true": {}, "false": {}, "test": {},
	"sh": {}, "bash": {}, "zsh": {},
}

// denyPatterns reject destructive commands regardless of the allowlist
// (unless allowUnsafe). Matched against the whole command line.
var denyPatterns = []*regexp.Regexp{
	// rm -rf / and friends.
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+(/|/\*)\s*$`),
	regexp.MustCompile(`\brm\s+-rf?\s+/(\s|$)`),
	// Raw writes to block devices.
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/sd`),
	regexp.MustCompile(`\bdd\s+.*\bif=.*\bof=/dev/`),
	// World-writable root.
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*-?777\s+/(\s|$)`),
	// Unqualified moves/copies onto root.
	regexp.MustCompile(`\b(mv|cp)\s+(-[a-zA-Z]+\s+)*\S+\s+/\s*$`),
	// Fork bomb.
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:`),
	// Filesystem creation on devices.
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\s+/dev/`),
}

// Policy decides which commands may run.
type Policy struct {
	// AllowUnsafe bypasses both the allowlist and the deny patterns.
	AllowUnsafe bool
	// ExtraAllowed supplements the default allowlist.
	ExtraAllowed []string
}

// Check validates a command line against the policy. The zero policy applies
// the defaults.
func (p Policy) Check(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return ws.Errf(ws.KindMalformed, "empty command")
	}
	if p.AllowUnsafe {
		return nil
	}

	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return ws.Errf(ws.KindRefused, "command refused by safety policy")
		}
	}

	first := firstToken(command)
	if _, ok := defaultAllowedCommands[first]; ok {
		return nil
	}
	for _, extra := range p.ExtraAllowed {
		if first == extra {
			return nil
		}
	}
	return ws.Errf(ws.KindRefused, "command %q is not allowed", first)
}

// firstToken extracts the command name: the first whitespace-delimited token,
// stripped of any path prefix and leading env assignments.
func firstToken(command string) string {
	fields := strings.Fields(command)
	for _, f := range fields {
		// Skip KEY=value env assignments before the command.
		if i := strings.Index(f, "="); i > 0 && !strings.ContainsAny(f[:i], "/\\") {
			continue
		}
		if i := strings.LastIndexAny(f, "/\\"); i >= 0 {
			f = f[i+1:]
		}
		return f
	}
	return ""
}
