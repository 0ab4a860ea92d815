package core

import (
	"sort"
	"testing"
	"time"
)

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{StatusSucceeded, StatusFailed, StatusTimedOut, StatusDeadlocked}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{StatusQueued, StatusRunning, StatusRetrying} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRunLifecycleHappyPath(t *testing.T) {
	r := NewRunRecord("job-1", 1)
	if r.Status != StatusQueued {
		t.Fatalf("new record status = %s, want %s", r.Status, StatusQueued)
	}
	if r.ExitCode != -1 {
		t.Fatalf("new record exit code = %d, want -1", r.ExitCode)
	}
	if err := r.MarkRunning(100, 100); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if r.PID != 100 || r.PGID != 100 {
		t.Errorf("pid/pgid = %d/%d, want 100/100", r.PID, r.PGID)
	}
	if r.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}
	if err := r.MarkSucceeded(); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if r.ExitCode != 0 || !r.IsSuccess() || r.EndedAt.IsZero() {
		t.Errorf("unexpected final record: %+v", r)
	}
}

func TestRunTimeoutSetsSentinel(t *testing.T) {
	r := NewRunRecord("job-1", 1)
	if err := r.MarkRunning(100, 100); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkTimedOut(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if r.ExitCode != ExitTimeout {
		t.Errorf("exit code = %d, want %d", r.ExitCode, ExitTimeout)
	}
	if r.FailureKind != ErrKindJobTimeout {
		t.Errorf("failure kind = %s, want %s", r.FailureKind, ErrKindJobTimeout)
	}
}

func TestRunDeadlockBeforeSpawn(t *testing.T) {
	// A queued run can deadlock while acquiring locks, before any process
	// exists.
	r := NewRunRecord("job-1", 1)
	if err := r.MarkDeadlocked("cycle [10 20]"); err != nil {
		t.Fatalf("MarkDeadlocked from queued: %v", err)
	}
	if r.ExitCode != ExitDeadlock {
		t.Errorf("exit code = %d, want %d", r.ExitCode, ExitDeadlock)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	r := NewRunRecord("job-1", 1)
	if err := r.MarkSucceeded(); err == nil {
		t.Error("queued -> succeeded should be rejected")
	}
	if err := r.MarkRunning(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkSucceeded(); err != nil {
		t.Fatal(err)
	}
	// Terminal records never move again.
	if err := r.MarkFailed(1, ErrKindCommandFailure, "late"); err == nil {
		t.Error("succeeded -> failed should be rejected")
	}
	if err := r.MarkRunning(2, 2); err == nil {
		t.Error("succeeded -> running should be rejected")
	}
}

func TestRetryingInterleavesAttempts(t *testing.T) {
	queued := NewRunRecord("job-1", 2)
	if err := queued.MarkRetrying(); err == nil {
		t.Error("queued -> retrying should be rejected")
	}

	r := NewRetryRunRecord("job-1", 2)
	if r.Status != StatusRetrying {
		t.Fatalf("retry successor status = %s, want %s", r.Status, StatusRetrying)
	}
	if err := r.MarkRunning(50, 50); err != nil {
		t.Fatalf("retrying -> running: %v", err)
	}
	if err := r.MarkFailed(1, ErrKindCommandFailure, "exit 1"); err != nil {
		t.Fatalf("running -> failed: %v", err)
	}
}

func TestRunIDsSortBySubmissionTime(t *testing.T) {
	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	ids := []string{
		NewRunID(base.Add(2 * time.Second)),
		NewRunID(base),
		NewRunID(base.Add(time.Second)),
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	if sorted[0] != ids[1] || sorted[1] != ids[2] || sorted[2] != ids[0] {
		t.Errorf("run IDs do not sort by time: %v", ids)
	}
}

func TestRunIDsUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRunID(now)
		if seen[id] {
			t.Fatalf("duplicate run ID %s", id)
		}
		seen[id] = true
	}
}
