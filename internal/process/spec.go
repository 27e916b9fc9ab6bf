package process

import (
	"os/exec"
	"strconv"

	"github.com/loykin/warden/internal/logger"
)

// Spec describes the child a supervisor owns. Command is an argument
// template: the listen address is appended at spawn time.
type Spec struct {
	Name    string            `json:"name"`
	Command []string          `json:"command"`  // argv template, Command[0] is the executable
	WorkDir string            `json:"work_dir"` // optional working dir
	Env     []string          `json:"env"`      // child environment; nil inherits, empty means none
	Log     logger.FileConfig `json:"log"`      // combined stdout/stderr destination (append mode)
}

// Args returns the full argv for a child bound to host:port.
func (s Spec) Args(host string, port int) []string {
	args := make([]string, 0, len(s.Command)+4)
	args = append(args, s.Command...)
	return append(args, "-h", host, "-p", strconv.Itoa(port))
}

// BuildCommand constructs the *exec.Cmd for host:port. Stdin is left nil so the
// child reads from the null device.
func (s Spec) BuildCommand(host string, port int) (*exec.Cmd, error) {
	if len(s.Command) == 0 || s.Command[0] == "" {
		return nil, ErrEmptyCommand
	}
	args := s.Args(host, port)
	// ok: intentional execution of the configured service binary
	// #nosec G204
	cmd := exec.Command(args[0], args[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd, nil
}
