package deadlock

import (
	"testing"
	"time"
)

func edge(waiter, holder int) Edge {
	return Edge{WaiterPID: waiter, HolderPID: holder, Lock: "l", RecordedAt: time.Now().UTC()}
}

func TestDetectCycleTwoMembers(t *testing.T) {
	edges := []Edge{edge(10, 20), edge(20, 10)}
	cycle, found := DetectCycle(edges, 10)
	if !found {
		t.Fatal("cycle not detected")
	}
	if len(cycle) != 2 || cycle[0] != 10 || cycle[1] != 20 {
		t.Errorf("cycle = %v, want [10 20]", cycle)
	}
}

func TestDetectCycleThreeMembers(t *testing.T) {
	edges := []Edge{edge(10, 20), edge(20, 30), edge(30, 10)}
	cycle, found := DetectCycle(edges, 20)
	if !found {
		t.Fatal("cycle not detected")
	}
	if len(cycle) != 3 || cycle[0] != 20 {
		t.Errorf("cycle = %v, want walk from 20", cycle)
	}
}

func TestDetectCycleChainWithoutCycle(t *testing.T) {
	edges := []Edge{edge(10, 20), edge(20, 30)}
	if _, found := DetectCycle(edges, 10); found {
		t.Error("plain chain reported as cycle")
	}
}

func TestDetectCycleForeignCycleIgnored(t *testing.T) {
	// 10 waits into a 20<->30 cycle it is not part of. Only members may
	// break a cycle; 10's wait is bounded by the lock timeout instead.
	edges := []Edge{edge(10, 20), edge(20, 30), edge(30, 20)}
	if _, found := DetectCycle(edges, 10); found {
		t.Error("foreign cycle reported for non-member")
	}
}

func TestDetectCycleNoOwnEdge(t *testing.T) {
	edges := []Edge{edge(20, 30)}
	if _, found := DetectCycle(edges, 10); found {
		t.Error("cycle reported for process with no edge")
	}
}

func TestDetectCycleEmptyGraph(t *testing.T) {
	if _, found := DetectCycle(nil, 10); found {
		t.Error("cycle reported for empty graph")
	}
}
