package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/executor"
)

var runWatchCmd = &cobra.Command{
	Use:   "watch RUN_ID",
	Short: "Stream a run's log until it finishes",
	Long: `Stream a run's captured output as it lands in the log, following retry
attempts, until the job reaches a terminal status. Exits with the job's
code, so it can stand in for running the command directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunWatch,
}

func init() {
	runCmd.AddCommand(runWatchCmd)
}

func runRunWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	rec, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	job, err := store.GetJob(ctx, rec.JobID)
	if err != nil {
		return err
	}

	// The watcher wakes the loop early on log writes; the ticker covers the
	// window before the log file exists.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	_ = watcher.Add(cfg.LogsDir())

	runID := rec.RunID
	printed := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		cur, err := store.GetRun(ctx, runID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		printed, err = printNewLogEntries(cur.LogPath, printed)
		if err != nil {
			return err
		}

		if cur.Status.Terminal() {
			if willRetry(job, cur) {
				// The successor record appears shortly after the failure;
				// keep polling until it does.
				if next := successorRun(ctx, store, cur); next != nil {
					fmt.Printf("-- retrying as %s (attempt %d)\n", next.RunID, next.Attempt)
					runID = next.RunID
					printed = 0
					continue
				}
			} else {
				printRunOutcome(cur)
				if !cur.IsSuccess() {
					return &ExitCodeError{Code: exitCodeFor(cur)}
				}
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-watcher.Events:
		case <-watcher.Errors:
		}
	}
}

// printNewLogEntries prints entries past the printed count and returns the
// new count. The log is append-only JSONL; rereading it keeps the tail
// simple at the sizes involved.
func printNewLogEntries(path string, printed int) (int, error) {
	if path == "" {
		return printed, nil
	}
	entries, err := executor.ReadLog(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return printed, nil
		}
		return printed, err
	}
	for i := printed; i < len(entries); i++ {
		printLogEntry(entries[i])
	}
	if len(entries) > printed {
		return len(entries), nil
	}
	return printed, nil
}

// successorRun finds the attempt after rec in its job's chain.
func successorRun(ctx context.Context, store core.RunStore, rec *core.RunRecord) *core.RunRecord {
	runs, err := store.ListRunsForJob(ctx, rec.JobID)
	if err != nil {
		return nil
	}
	for _, r := range runs {
		if r.Attempt == rec.Attempt+1 {
			return r
		}
	}
	return nil
}
