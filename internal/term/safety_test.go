package term

import (
	"errors"
	"testing"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

func TestPolicyCheck_AllowsCommonCommands(t *testing.T) {
	var p Policy
	for _, cmd := range []string{
		"ls -la",
		"git status",
		"echo hello",
		"go test ./...",
		"FOO=bar npm run build",
		"/usr/bin/git log",
	} {
		if err := p.Check(cmd); err != nil {
			t.Fatalf("expected %q allowed, got %v", cmd, err)
		}
	}
}

func TestPolicyCheck_RefusesDestructive(t *testing.T) {
	var p Policy
	for _, cmd := range []string{
		"rm -rf /",
		"rm -fr /",
		"dd if=/dev/zero of=/dev/sda",
		"chmod -R 777 /",
		"mv somedir /",
		"mkfs.ext4 /dev/sda1",
	} {
		err := p.Check(cmd)
		if err == nil {
			t.Fatalf("expected %q refused", cmd)
		}
		var we *ws.Error
		if !errors.As(err, &we) || we.Kind != ws.KindRefused {
			t.Fatalf("expected Refused kind for %q, got %v", cmd, err)
		}
	}
}

func TestPolicyCheck_RefusesUnknownCommand(t *testing.T) {
	var p Policy
	err := p.Check("nmap -sS target")
	if err == nil {
		t.Fatal("expected unknown command refused")
	}
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindRefused {
		t.Fatalf("expected Refused kind, got %v", err)
	}
}

func TestPolicyCheck_UnsafeBypassesEverything(t *testing.T) {
	p := Policy{AllowUnsafe: true}
	for _, cmd := range []string{"rm -rf /", "nmap target"} {
		if err := p.Check(cmd); err != nil {
			t.Fatalf("expected unsafe mode to allow %q, got %v", cmd, err)
		}
	}
}

func TestPolicyCheck_ExtraAllowed(t *testing.T) {
	p := Policy{ExtraAllowed: []string{"terraform"}}
	if err := p.Check("terraform plan"); err != nil {
		t.Fatalf("expected extra-allowed command to pass, got %v", err)
	}
}

func TestPolicyCheck_EmptyCommand(t *testing.T) {
	var p Policy
	err := p.Check("   ")
	var we *ws.Error
	if !errors.As(err, &we) || we.Kind != ws.KindMalformed {
		t.Fatalf("expected Malformed for empty command, got %v", err)
	}
}

func TestFirstToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ls -la", "ls"},
		{"/usr/bin/git status", "git"},
		{"FOO=1 BAR=2 make all", "make"},
		{"./script.sh", "script.sh"},
	}
	for _, tt := range tests {
		if got := firstToken(tt.in); got != tt.want {
			t.Fatalf("firstToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
