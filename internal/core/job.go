package core

import (
	"strings"
	"time"
)

// Job is a command submitted to the pipeline: what to run, where, and under
// which limits. A Job owns a chain of RunRecords, one per attempt.
type Job struct {
	ID          string        `json:"id"`
	Command     []string      `json:"command"`        // argv; never joined through a shell
	Dir         string        `json:"dir,omitempty"`  // working directory, "" inherits the processor's
	Env         []string      `json:"env,omitempty"`  // extra KEY=VALUE entries appended to the inherited environment
	Locks       []string      `json:"locks,omitempty"` // resource locks held for the duration of each attempt
	Timeout     time.Duration `json:"timeout,omitempty"`
	MemoryLimit uint64        `json:"memory_limit,omitempty"` // bytes of group RSS, 0 disables the monitor
	MaxRetries  int           `json:"max_retries,omitempty"`  // extra attempts after the first
	EnqueuedAt  time.Time     `json:"enqueued_at"`
}

// NewJob creates a job with required fields and a fresh ID.
func NewJob(command []string) *Job {
	return &Job{
		ID:         NewJobID(time.Now().UTC()),
		Command:    command,
		EnqueuedAt: time.Now().UTC(),
	}
}

// WithDir sets the working directory.
func (j *Job) WithDir(dir string) *Job {
	j.Dir = dir
	return j
}

// WithEnv appends extra environment entries.
func (j *Job) WithEnv(env ...string) *Job {
	j.Env = append(j.Env, env...)
	return j
}

// WithLocks sets the resource locks the job needs.
func (j *Job) WithLocks(locks ...string) *Job {
	j.Locks = locks
	return j
}

// WithTimeout sets the per-attempt wall clock.
func (j *Job) WithTimeout(timeout time.Duration) *Job {
	j.Timeout = timeout
	return j
}

// WithMemoryLimit sets the group RSS limit in bytes.
func (j *Job) WithMemoryLimit(limit uint64) *Job {
	j.MemoryLimit = limit
	return j
}

// WithMaxRetries sets the number of extra attempts after the first.
func (j *Job) WithMaxRetries(n int) *Job {
	j.MaxRetries = n
	return j
}

// CommandLine returns the argv joined for display. Not suitable for
// re-execution.
func (j *Job) CommandLine() string {
	return strings.Join(j.Command, " ")
}

// Attempts returns the total number of attempts the job may make.
func (j *Job) Attempts() int {
	return 1 + j.MaxRetries
}

// Validate checks job invariants.
func (j *Job) Validate() error {
	if j.ID == "" {
		return ErrValidation("job ID cannot be empty")
	}
	if len(j.Command) == 0 || j.Command[0] == "" {
		return ErrValidation("job command cannot be empty")
	}
	if j.MaxRetries < 0 {
		return ErrValidation("max retries cannot be negative")
	}
	if j.Timeout < 0 {
		return ErrValidation("timeout cannot be negative")
	}
	for _, name := range j.Locks {
		if name == "" {
			return ErrValidation("lock names cannot be empty")
		}
	}
	return nil
}
