//go:build windows

package proctree

import (
	"github.com/shirou/gopsutil/v3/process"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
)

// GroupOf returns the process group of a PID. Windows has no POSIX process
// groups; tracking falls back to the parent/child walk alone.
func GroupOf(pid int32) (int32, error) {
	return 0, core.ErrUnsupported("process group lookup")
}

func groupMembers(pgid int32, procs []*process.Process) ([]int32, error) {
	return nil, core.ErrUnsupported("process group scan")
}
