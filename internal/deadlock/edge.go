// Package deadlock implements decentralized deadlock detection over a
// wait-for graph. Every blocked waiter records a single edge (who it waits
// for) in a shared store and periodically walks the chain from itself; a
// walk that returns home is a cycle, and the walker breaks it by aborting
// its own wait. There is no coordinator and nobody ever signals anyone else.
package deadlock

import "time"

// Edge records that a waiting process depends on a holding process for a
// named lock. One edge per waiter: a process waits on at most one lock at a
// time.
type Edge struct {
	WaiterPID  int       `json:"waiter_pid"`
	HolderPID  int       `json:"holder_pid"`
	Lock       string    `json:"lock"`
	RecordedAt time.Time `json:"recorded_at"`
}

// EdgeStore persists wait-for edges. Implementations tolerate concurrent
// writers from unrelated processes.
type EdgeStore interface {
	// Put records or replaces the waiter's edge.
	Put(edge Edge) error

	// Remove deletes the waiter's edge. Removing an absent edge is not an
	// error.
	Remove(waiterPID int) error

	// Snapshot returns the current edges. Stale or corrupt entries are
	// skipped.
	Snapshot() ([]Edge, error)
}

// DetectCycle walks the wait-for chain from start and reports the cycle
// members if the walk returns to start. Chains that dead-end or enter a
// cycle not containing start report nothing: only the process inside the
// cycle may break it.
func DetectCycle(edges []Edge, start int) ([]int, bool) {
	next := make(map[int]int, len(edges))
	for _, e := range edges {
		next[e.WaiterPID] = e.HolderPID
	}

	path := []int{start}
	visited := map[int]bool{start: true}
	cur := start
	for {
		holder, ok := next[cur]
		if !ok || holder <= 0 {
			return nil, false
		}
		if holder == start {
			return path, true
		}
		if visited[holder] {
			// A cycle that does not include start. Someone else's problem.
			return nil, false
		}
		visited[holder] = true
		path = append(path, holder)
		cur = holder
	}
}
