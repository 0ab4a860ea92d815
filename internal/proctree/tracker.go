package proctree

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultMaxDepth caps the descendant walk. Build tooling rarely nests more
// than a handful of levels; the cap bounds the walk on adversarial trees.
const DefaultMaxDepth = 10

// Tracker discovers the live descendant set of a job's root process.
type Tracker struct {
	Root      int32
	PGID      int32 // job process group; 0 skips the group sweep
	MaxDepth  int
	Protected *ProtectedSet
}

// NewTracker creates a tracker for a spawned job root.
func NewTracker(root, pgid int32, protected *ProtectedSet) *Tracker {
	return &Tracker{
		Root:      root,
		PGID:      pgid,
		MaxDepth:  DefaultMaxDepth,
		Protected: protected,
	}
}

// Snapshot is one observation of the tracked set. PIDs holds the root (if
// alive) and every discovered descendant, protected PIDs excluded.
type Snapshot struct {
	Root      int32
	PIDs      []int32
	Truncated bool // depth cap hit; deeper descendants not listed
	TakenAt   time.Time
}

// Contains reports whether the snapshot saw the PID.
func (s *Snapshot) Contains(pid int32) bool {
	for _, p := range s.PIDs {
		if p == pid {
			return true
		}
	}
	return false
}

// Empty reports whether nothing from the job survives in this snapshot.
func (s *Snapshot) Empty() bool {
	return len(s.PIDs) == 0
}

// Snapshot walks the process table once and returns the current tracked set:
// a breadth-first walk of the parent/child tree from the root, depth-capped,
// merged with the members of the job's process group. The group sweep
// catches orphans that reparented away after their parent died; the tree
// walk catches descendants that left the group. Double-fork daemons that do
// both are out of reach and stay untracked.
func (t *Tracker) Snapshot(ctx context.Context) (*Snapshot, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	alive := make(map[int32]bool, len(procs))
	children := make(map[int32][]int32, len(procs))
	for _, p := range procs {
		alive[p.Pid] = true
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			// Vanished mid-walk.
			continue
		}
		children[ppid] = append(children[ppid], p.Pid)
	}

	snap := &Snapshot{Root: t.Root, TakenAt: time.Now().UTC()}
	seen := make(map[int32]bool)

	maxDepth := t.MaxDepth
	if maxDepth < 1 {
		maxDepth = DefaultMaxDepth
	}

	if alive[t.Root] {
		type entry struct {
			pid   int32
			depth int
		}
		queue := []entry{{t.Root, 0}}
		seen[t.Root] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if t.protected(cur.pid) {
				continue
			}
			snap.PIDs = append(snap.PIDs, cur.pid)
			if cur.depth >= maxDepth {
				if len(children[cur.pid]) > 0 {
					snap.Truncated = true
				}
				continue
			}
			for _, child := range children[cur.pid] {
				if !seen[child] {
					seen[child] = true
					queue = append(queue, entry{child, cur.depth + 1})
				}
			}
		}
	}

	if t.PGID > 0 && !t.groupProtected(t.PGID) {
		members, err := groupMembers(t.PGID, procs)
		if err == nil {
			for _, pid := range members {
				if !seen[pid] && !t.protected(pid) {
					seen[pid] = true
					snap.PIDs = append(snap.PIDs, pid)
				}
			}
		}
	}

	return snap, nil
}

// RSS sums the resident set size over the snapshot, skipping processes that
// vanished since it was taken.
func (t *Tracker) RSS(ctx context.Context, snap *Snapshot) uint64 {
	var total uint64
	for _, pid := range snap.PIDs {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		mi, err := p.MemoryInfoWithContext(ctx)
		if err != nil || mi == nil {
			continue
		}
		total += mi.RSS
	}
	return total
}

func (t *Tracker) protected(pid int32) bool {
	return t.Protected != nil && t.Protected.Contains(pid)
}

func (t *Tracker) groupProtected(pgid int32) bool {
	return t.Protected != nil && t.Protected.ContainsGroup(pgid)
}
