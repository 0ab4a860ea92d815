package deadlock

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/logging"
)

// DefaultInterval is how often a blocked waiter walks the wait-for graph.
// Detection latency is bounded by roughly one interval per cycle member.
const DefaultInterval = 10 * time.Second

// Detector implements core.EdgeRecorder for the current process. While the
// process is blocked on a lock it keeps one edge in the store current and,
// at most once per interval, walks the chain from itself looking for a
// cycle.
type Detector struct {
	store    EdgeStore
	interval time.Duration
	self     int
	log      *logging.Logger

	mu        sync.Mutex
	lastCheck time.Time
}

// NewDetector creates a detector for the current process.
func NewDetector(store EdgeStore, interval time.Duration, log *logging.Logger) *Detector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Detector{
		store:    store,
		interval: interval,
		self:     os.Getpid(),
		log:      log,
	}
}

// BlockOn records that this process waits for holderPID on the named lock
// and, when a check is due, walks the graph. A detected cycle removes this
// process's own edge and returns an ErrKindDeadlock error; the caller aborts
// the wait and the rest of the cycle unwinds through the released lock.
func (d *Detector) BlockOn(ctx context.Context, lock string, holderPID int) error {
	if holderPID <= 0 || holderPID == d.self {
		return nil
	}

	edge := Edge{
		WaiterPID:  d.self,
		HolderPID:  holderPID,
		Lock:       lock,
		RecordedAt: time.Now().UTC(),
	}
	if err := d.store.Put(edge); err != nil {
		// A wait without an edge just loses detectability, the lock
		// timeout still bounds it.
		d.log.WithLock(lock).Warn("recording wait edge failed", "error", err)
	}

	if !d.checkDue() {
		return nil
	}

	edges, err := d.store.Snapshot()
	if err != nil {
		d.log.WithLock(lock).Warn("reading wait-for graph failed", "error", err)
		return nil
	}
	if cycle, found := DetectCycle(edges, d.self); found {
		// Remove our edge before reporting so the cycle is already broken
		// for every other member's next walk.
		_ = d.store.Remove(d.self)
		d.log.WithLock(lock).Error("deadlock detected, aborting wait", "cycle", cycle)
		return core.ErrDeadlock(lock, cycle)
	}
	return nil
}

// Unblock removes this process's wait edge.
func (d *Detector) Unblock(lock string) {
	if err := d.store.Remove(d.self); err != nil {
		d.log.WithLock(lock).Warn("removing wait edge failed", "error", err)
	}
}

// checkDue rate-limits graph walks to one per interval. The first call after
// construction is always due so existing cycles are caught immediately.
func (d *Detector) checkDue() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if !d.lastCheck.IsZero() && now.Sub(d.lastCheck) < d.interval {
		return false
	}
	d.lastCheck = now
	return true
}

var _ core.EdgeRecorder = (*Detector)(nil)
