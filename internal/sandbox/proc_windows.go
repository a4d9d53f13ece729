//go:build windows

package sandbox

import "os/exec"

// isolateProcessGroup is a no-op on Windows; the context kill plus WaitDelay
// bound the direct process, which is the best the platform offers here.
func isolateProcessGroup(cmd *exec.Cmd) {}
