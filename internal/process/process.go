package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// DefaultKillWait bounds how long Kill waits for the reaper after SIGKILL.
const DefaultKillWait = 2 * time.Second

// zombieGrace is how long Poll waits for the reaper once the OS already
// reports the child as a zombie.
const zombieGrace = 100 * time.Millisecond

var ErrAlreadyStarted = errors.New("process: already started")

// Process owns exactly one spawned child. It is single-use: a respawn creates
// a new Process. A dedicated waiter goroutine is the only caller of cmd.Wait.
type Process struct {
	spec     Spec
	killWait time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	waitDone chan struct{} // closed by the waiter once the child is reaped
}

func New(spec Spec) *Process { return &Process{spec: spec, killWait: DefaultKillWait} }

// SetKillWait overrides DefaultKillWait; non-positive values are ignored.
func (r *Process) SetKillWait(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.killWait = d
	r.mu.Unlock()
}

// Start spawns the child bound to host:port. Stdout and stderr share one
// append-mode writer that is closed when the child is reaped.
func (r *Process) Start(host string, port int) error {
	r.mu.Lock()
	if r.cmd != nil {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	killWait := r.killWait
	r.mu.Unlock()

	cmd, err := r.spec.BuildCommand(host, port)
	if err != nil {
		return err
	}
	out := r.spec.Log.Writer()
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	// Bounds Wait when a grandchild keeps the output pipe open.
	cmd.WaitDelay = killWait

	if err := startCommand(cmd); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return fmt.Errorf("start %q: %w", strings.Join(cmd.Args, " "), err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.waitDone = done
	r.status = Status{
		Name:      r.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		Host:      host,
		Port:      port,
		StartedAt: time.Now(),
	}
	r.mu.Unlock()

	go r.wait(cmd, out, done)
	return nil
}

func (r *Process) wait(cmd *exec.Cmd, out io.WriteCloser, done chan struct{}) {
	err := cmd.Wait()
	code := exitCode(cmd, err)
	if out != nil {
		_ = out.Close()
	}
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitCode = &code
	r.mu.Unlock()
	close(done)
}

// Done is closed once the child has been reaped. Nil before Start.
func (r *Process) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitDone
}

// PID of the child, 0 before Start.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.PID
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	if s.ExitCode != nil {
		c := *s.ExitCode
		s.ExitCode = &c
	}
	return s
}

// Poll is the non-blocking exit-status query: it reports whether the child
// has exited and, if so, its exit code. A child the OS already lists as a
// zombie counts as exited once the waiter has reaped it.
func (r *Process) Poll() (bool, int) {
	done := r.Done()
	if done == nil {
		return false, 0
	}
	select {
	case <-done:
		return true, r.exitCode()
	default:
	}
	if r.isZombie() {
		select {
		case <-done:
			return true, r.exitCode()
		case <-time.After(zombieGrace):
		}
	}
	return false, 0
}

func (r *Process) exitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.ExitCode == nil {
		return -1
	}
	return *r.status.ExitCode
}

func (r *Process) isZombie() bool {
	pid := r.PID()
	if pid <= 0 {
		return false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(st, gopsproc.Zombie)
}

// Kill sends SIGKILL to the child's process group and waits for the reaper.
// Killing an already-exited child is a no-op.
func (r *Process) Kill() error {
	r.mu.Lock()
	cmd, done, wait := r.cmd, r.waitDone, r.killWait
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}
	select {
	case <-done:
		return nil
	default:
	}
	if err := killGroup(cmd); err != nil {
		return fmt.Errorf("kill pid %d: %w", cmd.Process.Pid, err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(wait):
		return fmt.Errorf("pid %d: %w", cmd.Process.Pid, ErrKillTimeout)
	}
}
