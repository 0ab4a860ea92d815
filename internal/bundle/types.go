// Package bundle exports a run as a portable tar.gz archive: a YAML
// manifest describing the job and its outcome, the captured JSONL log, and
// any crash dumps the run produced. Bundles are postmortem artifacts for
// humans and bug reports; there is no import path back into the store.
package bundle

import (
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
)

const (
	// FormatVersion is the current bundle manifest format version.
	FormatVersion = 1

	manifestArchivePath = "manifest.yaml"
	logArchivePath      = "run.jsonl"
	dumpsArchiveRoot    = "dumps"
)

// FileEntry describes one archived file.
type FileEntry struct {
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256"`
	Size   int64  `yaml:"size"`
	Mode   int64  `yaml:"mode"`
}

// JobEntry captures the job definition embedded in the manifest.
type JobEntry struct {
	ID          string    `yaml:"id"`
	Command     []string  `yaml:"command"`
	Dir         string    `yaml:"dir,omitempty"`
	Env         []string  `yaml:"env,omitempty"`
	Locks       []string  `yaml:"locks,omitempty"`
	Timeout     string    `yaml:"timeout,omitempty"`
	MemoryLimit uint64    `yaml:"memory_limit,omitempty"`
	MaxRetries  int       `yaml:"max_retries,omitempty"`
	EnqueuedAt  time.Time `yaml:"enqueued_at"`
}

// RunEntry captures the attempt outcome embedded in the manifest.
type RunEntry struct {
	RunID       string    `yaml:"run_id"`
	JobID       string    `yaml:"job_id"`
	Attempt     int       `yaml:"attempt"`
	Status      string    `yaml:"status"`
	ExitCode    int       `yaml:"exit_code"`
	Reason      string    `yaml:"reason,omitempty"`
	FailureKind string    `yaml:"failure_kind,omitempty"`
	PID         int       `yaml:"pid,omitempty"`
	PGID        int       `yaml:"pgid,omitempty"`
	PeakRSS     uint64    `yaml:"peak_rss,omitempty"`
	StartedAt   time.Time `yaml:"started_at"`
	EndedAt     time.Time `yaml:"ended_at"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// Manifest is the metadata file stored at the bundle root.
type Manifest struct {
	Version        int         `yaml:"version"`
	CreatedAt      time.Time   `yaml:"created_at"`
	SeqpipeVersion string      `yaml:"seqpipe_version,omitempty"`
	Job            JobEntry    `yaml:"job"`
	Run            RunEntry    `yaml:"run"`
	LogPresent     bool        `yaml:"log_present"`
	DumpCount      int         `yaml:"dump_count"`
	Files          []FileEntry `yaml:"files"`
}

// Options configures a bundle export.
type Options struct {
	RunID       string
	OutputPath  string // default seqpipe-<run-id>.tar.gz
	DumpsDir    string // "" skips crash dump collection
	ToolVersion string
}

// Result describes a completed export.
type Result struct {
	OutputPath string    `json:"output_path"`
	Manifest   *Manifest `json:"manifest"`
}

func jobEntry(job *core.Job) JobEntry {
	entry := JobEntry{
		ID:          job.ID,
		Command:     job.Command,
		Dir:         job.Dir,
		Env:         job.Env,
		Locks:       job.Locks,
		MemoryLimit: job.MemoryLimit,
		MaxRetries:  job.MaxRetries,
		EnqueuedAt:  job.EnqueuedAt,
	}
	if job.Timeout > 0 {
		entry.Timeout = job.Timeout.String()
	}
	return entry
}

func runEntry(run *core.RunRecord) RunEntry {
	return RunEntry{
		RunID:       run.RunID,
		JobID:       run.JobID,
		Attempt:     run.Attempt,
		Status:      string(run.Status),
		ExitCode:    run.ExitCode,
		Reason:      run.Reason,
		FailureKind: string(run.FailureKind),
		PID:         run.PID,
		PGID:        run.PGID,
		PeakRSS:     run.PeakRSS,
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		CreatedAt:   run.CreatedAt,
	}
}
