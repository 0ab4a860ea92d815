package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show processor, queue and recent run state",
	RunE:  runStatus,
}

// queueStatusCmd mirrors the top-level status under 'queue', next to the
// commands that steer the processor.
var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show processor, queue and recent run state",
	RunE:  runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	queueCmd.AddCommand(queueStatusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	queueStatusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	locker, err := newLockManager(cfg, nil, nil)
	if err != nil {
		return err
	}
	control := newControl(cfg)

	ctx := cmd.Context()
	st, err := queue.ReadStatus(ctx, store, locker, control, 0)
	if err != nil {
		return err
	}

	if statusJSON {
		return OutputJSON(st)
	}

	if st.Active {
		fmt.Printf("Processor: running (pid %d, up %s)\n", st.ProcessorPID, formatUptime(st.StartedAt))
	} else {
		fmt.Println("Processor: not running")
	}
	if st.Paused {
		by := st.PausedBy
		if by == "" {
			by = "unknown"
		}
		fmt.Printf("Paused:    yes (by %s)\n", by)
	}
	if st.Stopping {
		fmt.Println("Stopping:  after the current job")
	}
	fmt.Printf("Queued:    %d\n", st.Depth)
	commands := make(map[string]string)
	if cur := st.CurrentRun; cur != nil {
		line := commandForRun(ctx, store, commands, cur)
		fmt.Printf("Running:   %s attempt %d (%s) %s\n",
			cur.RunID, cur.Attempt, formatRunDuration(cur), TruncateString(line, 60))
	}

	if len(st.Recent) > 0 {
		fmt.Println()
		fmt.Println("Recent runs:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  RUN\tSTATUS\tEXIT\tDURATION\tCOMMAND")
		for _, rec := range st.Recent {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
				rec.RunID, rec.Status, formatExitCode(rec), formatRunDuration(rec),
				TruncateString(commandForRun(ctx, store, commands, rec), 48))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func formatUptime(since time.Time) string {
	if since.IsZero() {
		return "?"
	}
	return time.Since(since).Round(time.Second).String()
}
