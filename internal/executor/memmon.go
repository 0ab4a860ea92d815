package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/logging"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/proctree"
)

// MemoryMonitor samples the aggregate RSS of a running job's process group.
// It always tracks the peak; when limit is non-zero it also reports a breach
// so the executor can kill the group.
type MemoryMonitor struct {
	tracker  *proctree.Tracker
	limit    uint64
	interval time.Duration
	log      *logging.Logger

	peak atomic.Uint64
}

// NewMemoryMonitor creates a monitor over the given tree. A zero limit
// disables enforcement but keeps peak sampling.
func NewMemoryMonitor(tracker *proctree.Tracker, limit uint64, interval time.Duration, log *logging.Logger) *MemoryMonitor {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &MemoryMonitor{
		tracker:  tracker,
		limit:    limit,
		interval: interval,
		log:      log,
	}
}

// Run samples until ctx is canceled or the limit is breached. It returns nil
// on cancellation and a memory limit error on breach; the caller decides what
// to do with the group.
func (m *MemoryMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, err := m.tracker.Snapshot(ctx)
			if err != nil {
				// The group may already be gone; keep sampling until told to stop.
				continue
			}
			rss := m.tracker.RSS(ctx, snap)
			if rss > m.peak.Load() {
				m.peak.Store(rss)
			}
			if m.limit > 0 && rss > m.limit {
				m.log.Warn("memory limit exceeded",
					"observed_bytes", rss,
					"limit_bytes", m.limit,
					"processes", len(snap.PIDs))
				return core.ErrMemoryLimit(rss, m.limit)
			}
		}
	}
}

// Peak returns the highest group RSS observed so far, in bytes.
func (m *MemoryMonitor) Peak() uint64 {
	return m.peak.Load()
}
