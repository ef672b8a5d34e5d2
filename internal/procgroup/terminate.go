package procgroup

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/agriscope/gleaner/internal/metrics"
)

// Terminate stops a running command's process group gracefully. It sends
// SIGTERM, waits up to grace for the wait channel to deliver the process
// result, and escalates to SIGKILL if the group is still alive. The error
// from waitCh is consumed and returned, so the caller must not read the
// channel again. Safe to call with a nil or unstarted command.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	err := Kill(cmd, syscall.SIGTERM)
	metrics.IncProcSignal("SIGTERM", err == nil)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	err = Kill(cmd, syscall.SIGKILL)
	metrics.IncProcSignal("SIGKILL", err == nil)

	// SIGKILL cannot be ignored; the wait result arrives once the kernel
	// reaps the group leader.
	return <-waitCh
}
