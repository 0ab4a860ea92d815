package diagnostics

import (
	"testing"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
)

func TestRunPreflightHealthy(t *testing.T) {
	result := RunPreflight(t.TempDir(), 1, 1)

	if len(result.Checks) != 3 {
		t.Fatalf("checks = %d, want 3", len(result.Checks))
	}
	for _, c := range result.Checks {
		if c.Status == CheckFail {
			t.Errorf("check %s failed: %s", c.Name, c.Detail)
		}
		if c.Detail == "" {
			t.Errorf("check %s has no detail", c.Name)
		}
	}
	if !result.OK() {
		t.Error("preflight with tiny thresholds should pass")
	}
	if len(result.Failures()) != 0 {
		t.Errorf("failures = %v", result.Failures())
	}
}

func TestRunPreflightMemoryImpossible(t *testing.T) {
	// No host has this much memory free.
	result := RunPreflight(t.TempDir(), 1<<40, 1)

	if result.OK() {
		t.Fatal("preflight should fail with an impossible memory threshold")
	}
	failures := result.Failures()
	if len(failures) == 0 || failures[0].Name != "memory" {
		t.Errorf("failures = %v, want the memory check", failures)
	}
}

func TestRunPreflightCreatesStateDir(t *testing.T) {
	dir := t.TempDir() + "/nested/state"
	result := RunPreflight(dir, 1, 1)

	for _, c := range result.Checks {
		if c.Name == "state_dir" && c.Status != CheckOK {
			t.Errorf("state_dir = %s: %s", c.Status, c.Detail)
		}
	}
}

func TestJobPreflightResolvesBinary(t *testing.T) {
	job := core.NewJob([]string{"sh", "-c", "true"})
	result := JobPreflight(job)

	if len(result.Checks) != 1 {
		t.Fatalf("checks = %d, want the binary check only", len(result.Checks))
	}
	if result.Checks[0].Status != CheckOK {
		t.Errorf("binary = %s: %s", result.Checks[0].Status, result.Checks[0].Detail)
	}
}

func TestJobPreflightWarnsOnMissingBinary(t *testing.T) {
	job := core.NewJob([]string{"definitely-not-a-real-command-zz"})
	result := JobPreflight(job)

	if result.Checks[0].Status != CheckWarn {
		t.Errorf("binary = %s, want warn", result.Checks[0].Status)
	}
	if !result.OK() {
		t.Error("missing binary must stay advisory, not a failure")
	}
}

func TestJobPreflightChecksMemoryLimit(t *testing.T) {
	job := core.NewJob([]string{"sh", "-c", "true"}).WithMemoryLimit(1 << 60)
	result := JobPreflight(job)

	var sawLimit bool
	for _, c := range result.Checks {
		if c.Name == "memory_limit" {
			sawLimit = true
			if c.Status != CheckWarn {
				t.Errorf("memory_limit = %s, want warn for an impossible limit", c.Status)
			}
		}
	}
	if !sawLimit {
		t.Error("memory_limit check missing")
	}
}
