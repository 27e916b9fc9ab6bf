//go:build linux

package process

import (
	"os/exec"
	"runtime"
	"sync"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so kills
// reach its descendants, and asks the kernel to SIGKILL it if the supervisor
// dies without running its cleanup.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

type startRequest struct {
	cmd  *exec.Cmd
	done chan error
}

var (
	spawnerOnce sync.Once
	spawnerReqs chan startRequest
)

// startCommand forks from a single goroutine locked to its OS thread for
// the life of the process. Pdeathsig fires when the forking thread exits,
// not the process, and the runtime may retire unlocked threads.
func startCommand(cmd *exec.Cmd) error {
	spawnerOnce.Do(func() {
		spawnerReqs = make(chan startRequest)
		go func() {
			runtime.LockOSThread()
			for req := range spawnerReqs {
				req.done <- req.cmd.Start()
			}
		}()
	})
	req := startRequest{cmd: cmd, done: make(chan error, 1)}
	spawnerReqs <- req
	return <-req.done
}
