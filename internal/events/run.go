package events

// Event type constants for run events.
const (
	TypeRunEnqueued = "run_enqueued"
	TypeRunStarted  = "run_started"
	TypeRunOutput   = "run_output"
	TypeRunRetrying = "run_retrying"
	TypeRunFinished = "run_finished"
)

// RunEnqueuedEvent is emitted when a job enters the queue.
type RunEnqueuedEvent struct {
	BaseEvent
	JobID   string `json:"job_id"`
	Command string `json:"command"`
}

// NewRunEnqueuedEvent creates a new run enqueued event.
func NewRunEnqueuedEvent(runID, jobID, command string) RunEnqueuedEvent {
	return RunEnqueuedEvent{
		BaseEvent: NewBaseEvent(TypeRunEnqueued, runID),
		JobID:     jobID,
		Command:   command,
	}
}

// RunStartedEvent is emitted when an attempt's process is spawned.
type RunStartedEvent struct {
	BaseEvent
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	PID     int    `json:"pid"`
	PGID    int    `json:"pgid"`
}

// NewRunStartedEvent creates a new run started event.
func NewRunStartedEvent(runID, jobID string, attempt, pid, pgid int) RunStartedEvent {
	return RunStartedEvent{
		BaseEvent: NewBaseEvent(TypeRunStarted, runID),
		JobID:     jobID,
		Attempt:   attempt,
		PID:       pid,
		PGID:      pgid,
	}
}

// RunOutputEvent carries one captured output line.
type RunOutputEvent struct {
	BaseEvent
	Stream string `json:"stream"` // stdout or stderr
	Line   string `json:"line"`
}

// NewRunOutputEvent creates a new run output event.
func NewRunOutputEvent(runID, stream, line string) RunOutputEvent {
	return RunOutputEvent{
		BaseEvent: NewBaseEvent(TypeRunOutput, runID),
		Stream:    stream,
		Line:      line,
	}
}

// RunRetryingEvent is emitted between a failed attempt and its respawn.
type RunRetryingEvent struct {
	BaseEvent
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"` // the attempt about to start
	Reason  string `json:"reason"`
}

// NewRunRetryingEvent creates a new run retrying event.
func NewRunRetryingEvent(runID, jobID string, attempt int, reason string) RunRetryingEvent {
	return RunRetryingEvent{
		BaseEvent: NewBaseEvent(TypeRunRetrying, runID),
		JobID:     jobID,
		Attempt:   attempt,
		Reason:    reason,
	}
}

// RunFinishedEvent is emitted when an attempt reaches a terminal status.
type RunFinishedEvent struct {
	BaseEvent
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	Reason     string `json:"reason,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// NewRunFinishedEvent creates a new run finished event.
func NewRunFinishedEvent(runID, jobID, status string, exitCode int, reason string, durationMS int64) RunFinishedEvent {
	return RunFinishedEvent{
		BaseEvent:  NewBaseEvent(TypeRunFinished, runID),
		JobID:      jobID,
		Status:     status,
		ExitCode:   exitCode,
		Reason:     reason,
		DurationMS: durationMS,
	}
}
