//go:build unix

package toolchain

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own group so a kill reaches any
// helper processes xcrun spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
