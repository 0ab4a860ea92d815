//go:build windows

package executor

import (
	"os/exec"
)

// configureSysProcAttr is a no-op on Windows (Setpgid not supported).
func configureSysProcAttr(_ *exec.Cmd) {}

// groupOf has no process-group notion on Windows; the pid stands in.
func groupOf(pid int) int {
	return pid
}
