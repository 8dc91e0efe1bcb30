//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

func gracefulStop(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}
