// Package proctree tracks the descendants of a job's root process and the
// set of pipeline-ancestor processes that must never be signalled.
package proctree

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// protectedAncestorDepth caps the ancestor walk. Deep enough for any
// realistic shell/git-hook/CI nesting.
const protectedAncestorDepth = 16

// ProtectedSet holds PIDs and process groups that termination never targets:
// the pipeline itself, its ancestors (shell, git hook, CI runner) and their
// groups. Membership checks are cheap and safe for concurrent use.
type ProtectedSet struct {
	mu    sync.RWMutex
	pids  map[int32]bool
	pgids map[int32]bool
}

// NewProtectedSet builds the protected set for the current process: its own
// PID and group plus every ancestor up the parent chain with each ancestor's
// group.
func NewProtectedSet() *ProtectedSet {
	s := &ProtectedSet{
		pids:  make(map[int32]bool),
		pgids: make(map[int32]bool),
	}
	pid := int32(os.Getpid())
	s.Add(pid)

	for depth := 0; depth < protectedAncestorDepth; depth++ {
		proc, err := process.NewProcess(pid)
		if err != nil {
			break
		}
		ppid, err := proc.Ppid()
		if err != nil || ppid <= 0 {
			break
		}
		s.Add(ppid)
		if ppid == 1 {
			break
		}
		pid = ppid
	}
	return s
}

// Add marks a PID and its process group as protected.
func (s *ProtectedSet) Add(pid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pids[pid] = true
	if pgid, err := GroupOf(pid); err == nil && pgid > 0 {
		s.pgids[pgid] = true
	}
}

// Contains reports whether the PID is protected.
func (s *ProtectedSet) Contains(pid int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pids[pid]
}

// ContainsGroup reports whether the process group is protected.
func (s *ProtectedSet) ContainsGroup(pgid int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pgids[pgid]
}

// PIDs returns the protected PIDs, unordered.
func (s *ProtectedSet) PIDs() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int32, 0, len(s.pids))
	for pid := range s.pids {
		out = append(out, pid)
	}
	return out
}
