package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
)

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunList,
}

var (
	runListStatus string
	runListLimit  int
	runListFilter string
	runListJSON   bool
)

func init() {
	runCmd.AddCommand(runListCmd)
	runListCmd.Flags().StringVar(&runListStatus, "status", "",
		"filter by status (queued, running, retrying, succeeded, failed, timed_out, deadlocked)")
	runListCmd.Flags().IntVar(&runListLimit, "limit", 20, "maximum runs to show (0 = all)")
	runListCmd.Flags().StringVar(&runListFilter, "filter", "", "fuzzy match on the command line")
	runListCmd.Flags().BoolVar(&runListJSON, "json", false, "output as JSON")
}

// runListing pairs a record with its job's command for output.
type runListing struct {
	*core.RunRecord
	Command string `json:"command,omitempty"`
}

func runRunList(cmd *cobra.Command, _ []string) error {
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

	filter := core.ListFilter{Limit: runListLimit}
	if runListStatus != "" {
		status, err := core.ParseRunStatus(runListStatus)
		if err != nil {
			return err
		}
		filter.Status = status
	}
	if runListFilter != "" {
		// The fuzzy match narrows afterwards; fetch the full window first.
		filter.Limit = 0
	}
	runs, err := store.ListRuns(ctx, filter)
	if err != nil {
		return err
	}

	commands := make(map[string]string)
	listings := make([]runListing, 0, len(runs))
	for _, rec := range runs {
		listings = append(listings, runListing{
			RunRecord: rec,
			Command:   commandForRun(ctx, store, commands, rec),
		})
	}

	if runListFilter != "" {
		listings = fuzzyFilterListings(listings, runListFilter)
		if runListLimit > 0 && len(listings) > runListLimit {
			listings = listings[:runListLimit]
		}
	}

	if runListJSON {
		return OutputJSON(listings)
	}

	if len(listings) == 0 {
		fmt.Println("No runs recorded.")
		fmt.Println("Submit one with 'seqpipe submit -- <command>'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tEXIT\tDURATION\tCOMMAND")
	fmt.Fprintln(w, "---\t------\t----\t--------\t-------")
	for _, l := range listings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			l.RunID, l.Status, formatExitCode(l.RunRecord),
			formatRunDuration(l.RunRecord), TruncateString(l.Command, 48))
	}
	return w.Flush()
}

func fuzzyFilterListings(listings []runListing, pattern string) []runListing {
	candidates := make([]string, len(listings))
	for i, l := range listings {
		candidates[i] = l.Command
	}
	matches := fuzzy.Find(pattern, candidates)
	filtered := make([]runListing, 0, len(matches))
	for _, m := range matches {
		filtered = append(filtered, listings[m.Index])
	}
	return filtered
}
