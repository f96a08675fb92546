// SPDX-License-Identifier: MIT

// Package procgroup runs subprocesses in their own process group so a
// cancelled stage can reap the whole tree, not just the direct child.
package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/clipforge/clipforge/internal/metrics"
)

var (
	// ErrKillFailed reports a process group that survived SIGKILL.
	ErrKillFailed = errors.New("kill operation failed")
)

// Set configures the command to start in a new process group.
// Mandatory for KillGroup to function as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates an entire process group tree: SIGTERM, wait for the
// grace period, then SIGKILL. The process must have been spawned with Set.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}

// Terminate stops a started command cooperatively. waitCh must carry the
// result of cmd.Wait exactly once; Terminate always drains it.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := Kill(cmd, syscall.SIGTERM); err == nil {
		metrics.IncProcTerminate("SIGTERM", "sent")
	} else if processGone(err) {
		metrics.IncProcTerminate("SIGTERM", "esrch")
	} else {
		metrics.IncProcTerminate("SIGTERM", "error")
	}

	select {
	case err := <-waitCh:
		if err == nil {
			metrics.IncProcWait("exit0")
		} else {
			metrics.IncProcWait("exit_nonzero")
		}
		return err
	case <-time.After(grace):
	}

	if err := Kill(cmd, syscall.SIGKILL); err == nil {
		metrics.IncProcTerminate("SIGKILL", "sent")
	} else if processGone(err) {
		metrics.IncProcTerminate("SIGKILL", "esrch")
	} else {
		metrics.IncProcTerminate("SIGKILL", "error")
	}

	// SIGKILL frees a blocked child; the wait result is the truth.
	err := <-waitCh
	if err == nil {
		metrics.IncProcWait("forced_exit0")
	} else {
		metrics.IncProcWait("forced_error")
	}
	return err
}

func processGone(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
