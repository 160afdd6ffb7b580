//go:build !windows

package runner

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcess puts the agent in its own process group so signals reach
// every tool subprocess it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the process group led by cmd, falling back to
// the process itself when the group cannot be resolved.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		err := unix.Kill(-pgid, sig)
		if err == unix.ESRCH {
			return nil
		}
		return err
	}
	return cmd.Process.Signal(sig)
}
