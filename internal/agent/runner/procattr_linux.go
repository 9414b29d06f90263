//go:build linux

package runner

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so the
// whole child tree can be signalled together. On Linux, Pdeathsig ensures the
// child is killed if the relay dies without calling stop.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// terminateProcessGroup sends SIGTERM to the entire process group for
// graceful shutdown.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup force-kills the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
