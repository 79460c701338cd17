//go:build windows

package term

import "os/exec"

func setProcGroup(_ *exec.Cmd) {}

// interruptProc kills the child. Windows has no process-group SIGINT for
// non-console children, so graceful interrupt degrades to a hard kill.
func interruptProc(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killProc(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
