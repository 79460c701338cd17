//go:build windows

package tunnel

import "os"

// Windows has no SIGTERM delivery for arbitrary processes; the grace period
// in terminate still applies before the explicit Kill.
func signalTerm(p *os.Process) {
	_ = p.Kill()
}
