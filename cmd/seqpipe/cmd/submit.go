package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/queue"
)

var submitCmd = &cobra.Command{
	Use:   "submit [flags] -- COMMAND [ARGS...]",
	Short: "Queue a command for serialized execution",
	Long: `Queue a command. The processor started with 'seqpipe queue start' picks
jobs up one at a time, in submission order.

Everything after -- is the command argv; no shell is involved. Limits
left unset here fall back to the configured job defaults.`,
	Example: `  seqpipe submit -- go build ./...
  seqpipe submit --timeout 30m --memory-limit 2G -- pytest -x
  seqpipe submit --lock gpu --wait -- make train`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var (
	submitTimeout     time.Duration
	submitMaxRetries  int
	submitMemoryStr   string
	submitLocks       []string
	submitDir         string
	submitEnv         []string
	submitWait        bool
	submitJSON        bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0,
		"per-attempt wall clock (0 uses job.timeout from config)")
	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", -1,
		"extra attempts after a command failure (-1 uses job.max_retries from config)")
	submitCmd.Flags().StringVar(&submitMemoryStr, "memory-limit", "",
		"process tree RSS ceiling, e.g. 512M or 2G (default: job.memory_limit from config)")
	submitCmd.Flags().StringArrayVar(&submitLocks, "lock", nil,
		"named resource lock held for the run (repeatable)")
	submitCmd.Flags().StringVar(&submitDir, "dir", "",
		"working directory for the command")
	submitCmd.Flags().StringArrayVar(&submitEnv, "env", nil,
		"extra KEY=VALUE for the command environment (repeatable)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false,
		"block until the job finishes and exit with its code")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false,
		"print the run as JSON")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	job := core.NewJob(args)
	job.WithTimeout(cfg.Job.Timeout)
	if submitTimeout > 0 {
		job.WithTimeout(submitTimeout)
	}
	job.WithMaxRetries(cfg.Job.MaxRetries)
	if submitMaxRetries >= 0 {
		job.WithMaxRetries(submitMaxRetries)
	}
	job.WithMemoryLimit(cfg.Job.MemoryLimit)
	if submitMemoryStr != "" {
		limit, err := parseMemorySize(submitMemoryStr)
		if err != nil {
			return err
		}
		job.WithMemoryLimit(limit)
	}
	if submitDir != "" {
		job.WithDir(submitDir)
	}
	if len(submitEnv) > 0 {
		job.WithEnv(submitEnv...)
	}
	if len(submitLocks) > 0 {
		job.WithLocks(submitLocks...)
	}

	ctx := cmd.Context()
	rec, err := queue.Submit(ctx, store, nil, job)
	if err != nil {
		return err
	}

	if !submitWait {
		if submitJSON {
			return OutputJSON(rec)
		}
		fmt.Printf("queued %s (%s)\n", rec.RunID, job.CommandLine())
		fmt.Printf("  follow with: seqpipe run watch %s\n", rec.RunID)
		return nil
	}

	final, err := waitForJob(ctx, store, job)
	if err != nil {
		return err
	}
	if submitJSON {
		if err := OutputJSON(final); err != nil {
			return err
		}
	} else {
		printRunOutcome(final)
	}
	if !final.IsSuccess() {
		return &ExitCodeError{Code: exitCodeFor(final)}
	}
	return nil
}

// waitForJob polls the job's attempt chain until no further attempt can
// follow, returning the final record. Retries mint fresh records, so the
// chain's newest entry is the one to watch.
func waitForJob(ctx context.Context, store core.RunStore, job *core.Job) (*core.RunRecord, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		runs, err := store.ListRunsForJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			last := runs[len(runs)-1]
			if last.Status.Terminal() && !willRetry(job, last) {
				return last, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// willRetry mirrors the executor's retry rule: only plain command failures
// retry, and only while attempts remain.
func willRetry(job *core.Job, rec *core.RunRecord) bool {
	return rec.Status == core.StatusFailed &&
		rec.FailureKind == core.ErrKindCommandFailure &&
		rec.Attempt < job.Attempts()
}

func printRunOutcome(rec *core.RunRecord) {
	switch {
	case rec.IsSuccess():
		fmt.Printf("run %s succeeded in %s\n", rec.RunID, formatRunDuration(rec))
	case rec.Reason != "":
		fmt.Printf("run %s %s (exit %s): %s\n", rec.RunID, rec.Status, formatExitCode(rec), rec.Reason)
	default:
		fmt.Printf("run %s %s (exit %s)\n", rec.RunID, rec.Status, formatExitCode(rec))
	}
}
