//go:build windows

package supervisor

import (
	"errors"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the launched process. The engine is often re-spawned by
// its launcher, so an error is always returned to force the kill-by-name pass.
func killProcessGroup(cmd *exec.Cmd) error {
	_ = cmd.Process.Kill()
	return errors.New("process groups are not supported on windows")
}
