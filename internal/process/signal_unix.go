//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// killGroup sends SIGKILL to the child's process group. A group that is
// already gone is not an error.
func killGroup(cmd *exec.Cmd) error {
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Fall back to the leader alone, e.g. when the group was never created.
	if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
		return err
	}
	return nil
}
