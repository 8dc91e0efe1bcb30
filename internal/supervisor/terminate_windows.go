//go:build windows

package supervisor

import "os/exec"

// Windows has no SIGTERM equivalent for console children started this way;
// the grace period in Terminate still applies before the explicit Kill.
func gracefulStop(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
