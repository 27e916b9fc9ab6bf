package process

import (
	"errors"
	"os/exec"
	"syscall"
)

var (
	ErrEmptyCommand = errors.New("process: empty command")
	ErrNotStarted   = errors.New("process: not started")
	ErrKillTimeout  = errors.New("process: child did not exit after kill")
)

// exitCode converts a Wait result into an exit status. Children terminated by
// a signal report the negated signal number.
func exitCode(state *exec.Cmd, err error) int {
	if state == nil || state.ProcessState == nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		return -1
	}
	ps := state.ProcessState
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}
