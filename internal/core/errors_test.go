package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestOnlyCommandFailureIsRetryable(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"lock timeout", ErrLockTimeout("git", 1234, time.Second), false},
		{"lock expired", ErrLockExpired("git", 1234, time.Hour), false},
		{"deadlock", ErrDeadlock("venv", []int{10, 20}), false},
		{"job timeout", ErrJobTimeout(2 * time.Second), false},
		{"memory limit", ErrMemoryLimit(2048, 1024), false},
		{"command failure", ErrCommandFailure(3), true},
		{"cleanup failure", ErrCleanupFailure([]int32{999}), false},
		{"validation", ErrValidation("bad input"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.retryable)
			}
		})
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("claiming job: %w", ErrCommandFailure(2))
	if got := KindOf(wrapped); got != ErrKindCommandFailure {
		t.Errorf("KindOf = %s, want %s", got, ErrKindCommandFailure)
	}
	if !IsRetryable(wrapped) {
		t.Error("wrapped command failure should stay retryable")
	}
	if KindOf(errors.New("plain")) != ErrKindInternal {
		t.Error("non-pipeline errors should map to internal kind")
	}
}

func TestErrorIsMatchesOnKind(t *testing.T) {
	a := ErrLockTimeout("git", 1, time.Second)
	b := ErrLockTimeout("venv", 2, time.Minute)
	if !errors.Is(a, b) {
		t.Error("errors of the same kind should match")
	}
	if errors.Is(a, ErrDeadlock("git", nil)) {
		t.Error("errors of different kinds should not match")
	}
}

func TestWithCauseAndDetail(t *testing.T) {
	cause := errors.New("disk full")
	err := ErrState("cannot persist run").WithCause(cause).WithDetail("run_id", "r1")
	if !errors.Is(err, cause) {
		t.Error("cause should unwrap")
	}
	if err.Details["run_id"] != "r1" {
		t.Errorf("detail not recorded: %v", err.Details)
	}
	if err.Error() == "" {
		t.Error("error string should not be empty")
	}
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrJobTimeout(time.Second), ExitTimeout},
		{ErrDeadlock("git", []int{1, 2}), ExitDeadlock},
		{ErrCommandFailure(7), 7},
		{ErrCleanupFailure([]int32{42}), 1},
		{errors.New("plain"), 1},
	}
	for _, tc := range cases {
		if got := ExitCodeFor(tc.err); got != tc.want {
			t.Errorf("ExitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
