package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/executor"
)

var runViewCmd = &cobra.Command{
	Use:   "view RUN_ID",
	Short: "Show one run in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunView,
}

var (
	runViewShowLog bool
	runViewTail    int
	runViewJSON    bool
)

func init() {
	runCmd.AddCommand(runViewCmd)
	runViewCmd.Flags().BoolVar(&runViewShowLog, "log", false, "include the captured log")
	runViewCmd.Flags().IntVar(&runViewTail, "tail", 0, "with --log, show only the last N entries")
	runViewCmd.Flags().BoolVar(&runViewJSON, "json", false, "output as JSON")
}

func runRunView(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := cmd.Context()

	rec, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	job, err := store.GetJob(ctx, rec.JobID)
	if err != nil {
		job = nil
	}

	var entries []executor.LogEntry
	if runViewShowLog && rec.LogPath != "" {
		entries, err = executor.ReadLog(rec.LogPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if runViewTail > 0 && len(entries) > runViewTail {
			entries = entries[len(entries)-runViewTail:]
		}
	}

	if runViewJSON {
		out := map[string]interface{}{"run": rec}
		if job != nil {
			out["job"] = job
		}
		if runViewShowLog {
			out["log"] = entries
		}
		return OutputJSON(out)
	}

	fmt.Printf("Run:      %s (attempt %d)\n", rec.RunID, rec.Attempt)
	if job != nil {
		fmt.Printf("Command:  %s\n", job.CommandLine())
		if job.Dir != "" {
			fmt.Printf("Dir:      %s\n", job.Dir)
		}
		if len(job.Locks) > 0 {
			fmt.Printf("Locks:    %s\n", strings.Join(job.Locks, ", "))
		}
	}
	fmt.Printf("Status:   %s\n", rec.Status)
	if rec.Status.Terminal() {
		fmt.Printf("Exit:     %s\n", formatExitCode(rec))
	}
	if rec.Reason != "" {
		fmt.Printf("Reason:   %s\n", rec.Reason)
	}
	if rec.FailureKind != "" {
		fmt.Printf("Failure:  %s\n", rec.FailureKind)
	}
	if rec.PID > 0 {
		fmt.Printf("PID:      %d (pgid %d)\n", rec.PID, rec.PGID)
	}
	if rec.PeakRSS > 0 {
		fmt.Printf("Peak RSS: %s\n", formatBytes(rec.PeakRSS))
	}
	fmt.Printf("Created:  %s\n", formatTime(rec.CreatedAt))
	if !rec.StartedAt.IsZero() {
		fmt.Printf("Started:  %s\n", formatTime(rec.StartedAt))
	}
	if !rec.EndedAt.IsZero() {
		fmt.Printf("Ended:    %s (ran %s)\n", formatTime(rec.EndedAt), formatRunDuration(rec))
	}
	if rec.LogPath != "" {
		fmt.Printf("Log:      %s\n", rec.LogPath)
	}

	if runViewShowLog {
		fmt.Println()
		if len(entries) == 0 {
			fmt.Println("(no log captured)")
			return nil
		}
		for _, e := range entries {
			printLogEntry(e)
		}
	}
	return nil
}

// printLogEntry renders one JSONL log entry: output lines with their
// timestamps, stderr flagged, lifecycle events set off.
func printLogEntry(e executor.LogEntry) {
	ts := e.TS.Local().Format("15:04:05.000")
	switch {
	case e.Event != "":
		fmt.Printf("%s -- %s\n", ts, e.Event)
	case e.Stream == "stderr":
		fmt.Printf("%s ! %s\n", ts, e.Line)
	default:
		fmt.Printf("%s   %s\n", ts, e.Line)
	}
}
