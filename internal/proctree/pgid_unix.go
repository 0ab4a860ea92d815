//go:build !windows

package proctree

import (
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// GroupOf returns the process group of a PID.
func GroupOf(pid int32) (int32, error) {
	pgid, err := syscall.Getpgid(int(pid))
	if err != nil {
		return 0, err
	}
	return int32(pgid), nil
}

// groupMembers filters an already-read process table down to the members of
// one process group. Processes that vanish between the table read and the
// Getpgid call are skipped.
func groupMembers(pgid int32, procs []*process.Process) ([]int32, error) {
	var members []int32
	for _, p := range procs {
		got, err := syscall.Getpgid(int(p.Pid))
		if err != nil {
			continue
		}
		if int32(got) == pgid {
			members = append(members, p.Pid)
		}
	}
	return members, nil
}
