package queue

import (
	"context"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
)

// Submit validates a job and enqueues it with its first attempt record.
// Any process may submit; only the processor holding the pipeline lock
// claims. The returned record carries the minted run ID.
func Submit(ctx context.Context, store core.RunStore, bus *events.Bus, job *core.Job) (*core.RunRecord, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	rec := core.NewRunRecord(job.ID, 1)
	if err := store.EnqueueJob(ctx, job, rec); err != nil {
		return nil, err
	}
	if bus != nil {
		bus.Publish(events.NewRunEnqueuedEvent(rec.RunID, job.ID, job.CommandLine()))
	}
	return rec, nil
}
