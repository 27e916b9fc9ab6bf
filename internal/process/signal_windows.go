//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func killGroup(cmd *exec.Cmd) error {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
