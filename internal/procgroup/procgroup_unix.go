//go:build !windows

// Package procgroup starts external tools in their own process group and
// terminates the whole group, so helpers spawned by gdal, ODM or operator
// scripts cannot outlive the job that launched them.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
)

// Set configures the command to start as a process group leader.
// Required for Kill to reach the command's children.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Kill sends sig to the command's process group. A process that already
// exited is not an error. The command must have been prepared with Set,
// otherwise only the leader is targeted.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}

	// Negative PGID addresses the whole group.
	if err := syscall.Kill(-pgid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}
