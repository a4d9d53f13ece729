//go:build !windows

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
)

// isolateProcessGroup puts the benchmark in its own process group and makes
// the deadline kill target the whole group, so forked children die with the
// direct process instead of surviving as orphans.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err == syscall.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
}
