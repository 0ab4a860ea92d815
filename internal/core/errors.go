package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies pipeline errors for handling decisions.
type ErrorKind string

const (
	ErrKindLockTimeout    ErrorKind = "lock_timeout"    // Gave up waiting for a lock
	ErrKindLockExpired    ErrorKind = "lock_expired"    // Stale lock was force-expired
	ErrKindDeadlock       ErrorKind = "deadlock"        // Wait-for cycle detected
	ErrKindJobTimeout     ErrorKind = "job_timeout"     // Attempt exceeded its wall clock
	ErrKindMemoryLimit    ErrorKind = "memory_limit"    // Group RSS exceeded the limit
	ErrKindCommandFailure ErrorKind = "command_failure" // Command exited nonzero
	ErrKindCleanupFailure ErrorKind = "cleanup_failure" // Descendants survived cleanup
	ErrKindValidation     ErrorKind = "validation"      // Invalid input
	ErrKindState          ErrorKind = "state"           // State conflict/corruption
	ErrKindNotFound       ErrorKind = "not_found"       // Resource not found
	ErrKindUnsupported    ErrorKind = "unsupported"     // Not available on this platform
	ErrKindInternal       ErrorKind = "internal"        // Unexpected internal error
)

// Exit codes reported for runs the pipeline itself terminated. Natural
// command exits pass through verbatim.
const (
	ExitTimeout  = 124
	ExitDeadlock = 125
)

// PipelineError is a structured error from the pipeline layers.
type PipelineError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithCause wraps an underlying error.
func (e *PipelineError) WithCause(cause error) *PipelineError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *PipelineError) WithDetail(key string, value interface{}) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrLockTimeout creates an error for an acquire that gave up waiting.
func ErrLockTimeout(lock string, holderPID int, waited time.Duration) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindLockTimeout,
		Message:   fmt.Sprintf("timed out after %s waiting for lock %q (held by pid %d)", waited.Round(time.Millisecond), lock, holderPID),
		Retryable: false,
		Details: map[string]interface{}{
			"lock":       lock,
			"holder_pid": holderPID,
			"waited_ms":  waited.Milliseconds(),
		},
	}
}

// ErrLockExpired creates an error describing a stale lock that was force-expired.
func ErrLockExpired(lock string, holderPID int, age time.Duration) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindLockExpired,
		Message:   fmt.Sprintf("lock %q held by pid %d for %s exceeded max hold and was expired", lock, holderPID, age.Round(time.Second)),
		Retryable: false,
		Details: map[string]interface{}{
			"lock":       lock,
			"holder_pid": holderPID,
			"age_ms":     age.Milliseconds(),
		},
	}
}

// ErrDeadlock creates an error for a detected wait-for cycle. The waiting
// process reports this and aborts with ExitDeadlock.
func ErrDeadlock(lock string, cycle []int) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindDeadlock,
		Message:   fmt.Sprintf("deadlock detected waiting for lock %q, cycle %v", lock, cycle),
		Retryable: false,
		Details: map[string]interface{}{
			"lock":  lock,
			"cycle": cycle,
		},
	}
}

// ErrJobTimeout creates an error for an attempt that hit its wall clock.
func ErrJobTimeout(timeout time.Duration) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindJobTimeout,
		Message:   fmt.Sprintf("job exceeded timeout of %s", timeout),
		Retryable: false,
		Details: map[string]interface{}{
			"timeout_ms": timeout.Milliseconds(),
		},
	}
}

// ErrMemoryLimit creates an error for a group that breached its RSS limit.
func ErrMemoryLimit(observed, limit uint64) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindMemoryLimit,
		Message:   fmt.Sprintf("process group RSS %d bytes exceeded limit %d bytes", observed, limit),
		Retryable: false,
		Details: map[string]interface{}{
			"observed_bytes": observed,
			"limit_bytes":    limit,
		},
	}
}

// ErrCommandFailure creates an error for a nonzero command exit. This is the
// only kind the executor silently retries.
func ErrCommandFailure(exitCode int) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindCommandFailure,
		Message:   fmt.Sprintf("command exited with code %d", exitCode),
		Retryable: true,
		Details: map[string]interface{}{
			"exit_code": exitCode,
		},
	}
}

// ErrCleanupFailure creates an error for descendants that survived cleanup.
// Never retried: the environment is in an unknown state.
func ErrCleanupFailure(survivors []int32) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindCleanupFailure,
		Message:   fmt.Sprintf("%d process(es) survived cleanup: %v", len(survivors), survivors),
		Retryable: false,
		Details: map[string]interface{}{
			"survivors": survivors,
		},
	}
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindValidation,
		Message:   message,
		Retryable: false,
	}
}

// ErrState creates a state error.
func ErrState(message string) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindState,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrUnsupported creates an error for operations the platform cannot perform.
func ErrUnsupported(op string) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindUnsupported,
		Message:   fmt.Sprintf("%s is not supported on this platform", op),
		Retryable: false,
	}
}

// ErrInternal creates an unexpected internal error.
func ErrInternal(message string) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindInternal,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return false
}

// KindOf extracts the error kind.
func KindOf(err error) ErrorKind {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ErrKindInternal
}

// IsKind checks if an error belongs to a kind.
func IsKind(err error, kind ErrorKind) bool {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Kind == kind
	}
	return false
}

// ExitCodeFor maps a terminal pipeline error to the exit code reported for
// the run. Command failures keep their own exit code; everything else that
// the pipeline terminated maps to a sentinel or generic failure.
func ExitCodeFor(err error) int {
	var perr *PipelineError
	if !errors.As(err, &perr) {
		return 1
	}
	switch perr.Kind {
	case ErrKindJobTimeout:
		return ExitTimeout
	case ErrKindDeadlock:
		return ExitDeadlock
	case ErrKindCommandFailure:
		if code, ok := perr.Details["exit_code"].(int); ok {
			return code
		}
		return 1
	default:
		return 1
	}
}
