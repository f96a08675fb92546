// SPDX-License-Identifier: MIT

//go:build windows

package procgroup

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

func set(cmd *exec.Cmd) {
	// Process groups in the POSIX sense do not exist here.
}

// Kill maps SIGKILL to Process.Kill. Windows has no reliable graceful
// signal delivery, so SIGTERM is a no-op and the caller's grace period
// simply elapses before the hard kill.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return nil
}

func killGroup(pid int, grace, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = proc.Kill()
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrKillFailed
	}
}
