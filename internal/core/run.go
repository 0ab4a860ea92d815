package core

import (
	"fmt"
	"time"
)

// RunStatus represents the current state of a single attempt.
type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusRunning    RunStatus = "running"
	StatusRetrying   RunStatus = "retrying"
	StatusSucceeded  RunStatus = "succeeded"
	StatusFailed     RunStatus = "failed"
	StatusTimedOut   RunStatus = "timed_out"
	StatusDeadlocked RunStatus = "deadlocked"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusDeadlocked:
		return true
	}
	return false
}

// ParseRunStatus validates a status string from user input (CLI flags,
// query parameters).
func ParseRunStatus(raw string) (RunStatus, error) {
	s := RunStatus(raw)
	switch s {
	case StatusQueued, StatusRunning, StatusRetrying, StatusSucceeded,
		StatusFailed, StatusTimedOut, StatusDeadlocked:
		return s, nil
	}
	return "", ErrValidation(fmt.Sprintf("unknown run status %q", raw))
}

// validTransitions encodes the attempt state machine. Retrying is only
// entered from Running (a failed attempt with retries remaining) and only
// leaves to Running.
var validTransitions = map[RunStatus][]RunStatus{
	StatusQueued:   {StatusRunning, StatusFailed, StatusDeadlocked},
	StatusRunning:  {StatusRetrying, StatusSucceeded, StatusFailed, StatusTimedOut, StatusDeadlocked},
	StatusRetrying: {StatusRunning, StatusFailed},
}

// ValidTransition reports whether a status change is allowed.
func ValidTransition(from, to RunStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunRecord captures one attempt of a job. Attempts are chained to their job
// by JobID and numbered from 1.
type RunRecord struct {
	RunID       string    `json:"run_id"`
	JobID       string    `json:"job_id"`
	Attempt     int       `json:"attempt"`
	Status      RunStatus `json:"status"`
	ExitCode    int       `json:"exit_code"` // -1 until known; 124 timeout, 125 deadlock
	Reason      string    `json:"reason,omitempty"`
	FailureKind ErrorKind `json:"failure_kind,omitempty"` // empty on success
	PID         int       `json:"pid,omitempty"`          // job root process, 0 until spawned
	PGID        int       `json:"pgid,omitempty"`
	LogPath     string    `json:"log_path,omitempty"`
	PeakRSS     uint64    `json:"peak_rss,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"` // zero until running
	EndedAt     time.Time `json:"ended_at,omitzero"`   // zero until terminal
	CreatedAt   time.Time `json:"created_at"`
}

// NewRunRecord creates a queued record for the given job attempt.
func NewRunRecord(jobID string, attempt int) *RunRecord {
	now := time.Now().UTC()
	return &RunRecord{
		RunID:     NewRunID(now),
		JobID:     jobID,
		Attempt:   attempt,
		Status:    StatusQueued,
		ExitCode:  -1,
		CreatedAt: now,
	}
}

// NewRetryRunRecord creates the successor attempt after a retryable failure.
// It is born in Retrying so observers can see the retry before the respawn.
func NewRetryRunRecord(jobID string, attempt int) *RunRecord {
	r := NewRunRecord(jobID, attempt)
	r.Status = StatusRetrying
	return r
}

// transition moves the record to a new status, enforcing the state machine.
func (r *RunRecord) transition(to RunStatus) error {
	if !ValidTransition(r.Status, to) {
		return ErrState(fmt.Sprintf("invalid run transition %s -> %s for %s", r.Status, to, r.RunID))
	}
	r.Status = to
	return nil
}

// MarkRunning records the spawned process and enters Running.
func (r *RunRecord) MarkRunning(pid, pgid int) error {
	if err := r.transition(StatusRunning); err != nil {
		return err
	}
	r.PID = pid
	r.PGID = pgid
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	return nil
}

// MarkSucceeded finishes the attempt with exit code 0.
func (r *RunRecord) MarkSucceeded() error {
	if err := r.transition(StatusSucceeded); err != nil {
		return err
	}
	r.ExitCode = 0
	r.EndedAt = time.Now().UTC()
	return nil
}

// MarkFailed finishes the attempt as failed with the given exit code and
// cause. The failure kind distinguishes command failures from memory kills,
// lock timeouts and cleanup failures.
func (r *RunRecord) MarkFailed(exitCode int, kind ErrorKind, reason string) error {
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	r.ExitCode = exitCode
	r.FailureKind = kind
	r.Reason = reason
	r.EndedAt = time.Now().UTC()
	return nil
}

// MarkTimedOut finishes the attempt with the timeout sentinel.
func (r *RunRecord) MarkTimedOut(timeout time.Duration) error {
	if err := r.transition(StatusTimedOut); err != nil {
		return err
	}
	r.ExitCode = ExitTimeout
	r.FailureKind = ErrKindJobTimeout
	r.Reason = fmt.Sprintf("exceeded timeout of %s", timeout)
	r.EndedAt = time.Now().UTC()
	return nil
}

// MarkDeadlocked finishes the attempt with the deadlock sentinel.
func (r *RunRecord) MarkDeadlocked(reason string) error {
	if err := r.transition(StatusDeadlocked); err != nil {
		return err
	}
	r.ExitCode = ExitDeadlock
	r.FailureKind = ErrKindDeadlock
	r.Reason = reason
	r.EndedAt = time.Now().UTC()
	return nil
}

// MarkRetrying parks the next attempt's record between a failure and its
// respawn so observers can see the retry in flight.
func (r *RunRecord) MarkRetrying() error {
	return r.transition(StatusRetrying)
}

// Duration returns how long the attempt ran.
func (r *RunRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := time.Now().UTC()
	if !r.EndedAt.IsZero() {
		end = r.EndedAt
	}
	return end.Sub(r.StartedAt)
}

// IsSuccess reports whether the attempt succeeded.
func (r *RunRecord) IsSuccess() bool {
	return r.Status == StatusSucceeded
}

// Clone returns a deep copy of the record.
func (r *RunRecord) Clone() *RunRecord {
	c := *r
	return &c
}
