package core

import (
	"context"
)

// RunStore persists jobs and their attempt chains. Implemented by the SQLite
// adapter in internal/adapters/state.
type RunStore interface {
	// EnqueueJob stores a job and its initial queued run in one transaction.
	EnqueueJob(ctx context.Context, job *Job, run *RunRecord) error

	// ClaimNextJob atomically claims the oldest queued job and returns it
	// with its queued run. Returns an ErrKindNotFound error when the queue
	// is empty.
	ClaimNextJob(ctx context.Context) (*Job, *RunRecord, error)

	// CreateRun stores an additional attempt for an already-claimed job.
	CreateRun(ctx context.Context, run *RunRecord) error

	// UpdateRun persists a record. Status changes are checked against the
	// attempt state machine.
	UpdateRun(ctx context.Context, run *RunRecord) error

	// GetRun returns a run by ID.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// GetJob returns a job by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListRuns returns runs matching the filter, newest first unless the
	// filter says otherwise.
	ListRuns(ctx context.Context, filter ListFilter) ([]*RunRecord, error)

	// ListRunsForJob returns a job's attempt chain in attempt order.
	ListRunsForJob(ctx context.Context, jobID string) ([]*RunRecord, error)

	// QueueDepth returns the number of jobs still queued.
	QueueDepth(ctx context.Context) (int, error)

	// SweepOrphans marks non-terminal runs whose processor died as failed
	// and returns the runs it swept.
	SweepOrphans(ctx context.Context, reason string) ([]*RunRecord, error)

	Close() error
}

// ListFilter narrows run listings.
type ListFilter struct {
	Status      RunStatus // "" matches all
	JobID       string    // "" matches all
	Limit       int       // 0 means no limit
	OldestFirst bool
}

// Locker hands out named advisory locks. Implemented by locking.Manager.
type Locker interface {
	// Acquire blocks until the named lock is held, the configured timeout
	// passes (ErrKindLockTimeout) or a deadlock is detected
	// (ErrKindDeadlock). Re-entrant acquires return a nested lease.
	Acquire(ctx context.Context, name string) (Lease, error)

	// Held reports whether this process already holds the named lock,
	// directly or inherited from a parent pipeline.
	Held(name string) bool

	// ChildEnv returns the environment entry that marks currently held
	// locks as held for spawned children, or "" when none are held.
	// Nested pipelines use it to re-enter their parent's locks.
	ChildEnv() string
}

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release() error
	Name() string

	// Nested reports a re-entrant acquire: the lease is a no-op handle and
	// the underlying lock outlives it.
	Nested() bool
}

// EdgeRecorder tracks who waits on whom while blocked on a lock.
// Implemented by deadlock.Detector.
type EdgeRecorder interface {
	// BlockOn records that this process waits for the lock's holder and
	// periodically checks the wait-for graph. Returns an ErrKindDeadlock
	// error when this process is part of a cycle.
	BlockOn(ctx context.Context, lock string, holderPID int) error

	// Unblock removes this process's wait edge. Called on every acquire
	// exit path.
	Unblock(lock string)
}
