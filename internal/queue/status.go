package queue

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/locking"
)

// Status is a point-in-time view of the queue, assembled from the store
// and the pipeline lock so it works from any process, not just the one
// hosting the processor.
type Status struct {
	Active       bool      `json:"active"`
	ProcessorPID int       `json:"processor_pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`

	Paused   bool   `json:"paused"`
	PausedBy string `json:"paused_by,omitempty"`

	Stopping bool `json:"stopping,omitempty"`
	Depth    int  `json:"depth"`

	CurrentRun *core.RunRecord   `json:"current_run,omitempty"`
	Recent     []*core.RunRecord `json:"recent,omitempty"`
}

// ReadStatus assembles the queue status from shared state: the pipeline
// lock, the control files and the store. Any process may call it; nothing
// here needs the live processor.
func ReadStatus(ctx context.Context, store core.RunStore, locker *locking.Manager, control *Control, recentRuns int) (*Status, error) {
	if recentRuns <= 0 {
		recentRuns = defaultRecentRuns
	}
	st := &Status{}

	holder, err := locker.Inspect(locking.PipelineLock)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		st.ProcessorPID = holder.PID
		st.StartedAt = holder.AcquiredAt
		st.Active = holderAlive(holder)
	}

	st.Paused, st.PausedBy = pausedBy(control)
	st.Stopping, _ = control.StopRequested()

	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	st.Depth = depth

	st.CurrentRun, err = currentRun(ctx, store)
	if err != nil {
		return nil, err
	}

	st.Recent, err = recentTerminal(ctx, store, recentRuns)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Status reports whether a processor is active for this scope, what it is
// doing, and what finished recently.
func (p *Processor) Status(ctx context.Context) (*Status, error) {
	return ReadStatus(ctx, p.store, p.locker, p.control, p.recentRuns)
}

// holderAlive checks the lock holder's process when it is local; a holder
// on another host is taken at its word.
func holderAlive(holder *locking.Holder) bool {
	host, _ := os.Hostname()
	if holder.Hostname != "" && holder.Hostname != host {
		return true
	}
	alive, err := process.PidExists(int32(holder.PID))
	return err == nil && alive
}

func pausedBy(control *Control) (bool, string) {
	paused, marker := control.Paused()
	if !paused {
		return false, ""
	}
	return true, marker.By
}

// currentRun finds the attempt in flight, if any. Between attempts of a
// retrying job the active record carries the retrying status.
func currentRun(ctx context.Context, store core.RunStore) (*core.RunRecord, error) {
	for _, status := range []core.RunStatus{core.StatusRunning, core.StatusRetrying} {
		runs, err := store.ListRuns(ctx, core.ListFilter{Status: status, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			return runs[0], nil
		}
	}
	return nil, nil
}

// recentTerminal returns the newest finished runs, capped at limit. The
// overfetch absorbs any queued or in-flight rows mixed into the newest
// slice.
func recentTerminal(ctx context.Context, store core.RunStore, limit int) ([]*core.RunRecord, error) {
	runs, err := store.ListRuns(ctx, core.ListFilter{Limit: limit * 3})
	if err != nil {
		return nil, err
	}
	var recent []*core.RunRecord
	for _, run := range runs {
		if !run.Status.Terminal() {
			continue
		}
		recent = append(recent, run)
		if len(recent) == limit {
			break
		}
	}
	return recent, nil
}
