//go:build !windows

package tunnel

import (
	"os"
	"syscall"
)

func signalTerm(p *os.Process) {
	_ = p.Signal(syscall.SIGTERM)
}
