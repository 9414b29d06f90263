//go:build unix && !linux

package runner

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so the
// whole child tree can be signalled together. Pdeathsig is Linux-specific;
// on these platforms orphan cleanup relies on explicit stop calls.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
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
