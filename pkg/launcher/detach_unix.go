//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// detach starts the worker in a new session so it outlives the orchestrator's
// terminal and can be killed together with its browser.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminate(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
