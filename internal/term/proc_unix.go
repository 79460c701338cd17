//go:build !windows

package term

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so interrupts reach
// the whole pipeline, not just the shell.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptProc delivers SIGINT to the child's process group.
func interruptProc(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGINT); err != nil {
		_ = cmd.Process.Signal(syscall.SIGINT)
	}
}

// killProc hard-kills the child's process group.
func killProc(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
