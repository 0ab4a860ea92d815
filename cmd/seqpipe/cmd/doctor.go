package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/adapters/state"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/config"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/deadlock"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/diagnostics"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/locking"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/proctree"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/queue"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the pipeline's health and optionally repair it",
	Long: `Inspect the state directory and report problems: resource headroom,
database health, stale locks, leftover wait-for edges and runs
orphaned by a crashed processor. With --fix, repair what can be
repaired safely.`,
	RunE: runDoctor,
}

var (
	doctorFix  bool
	doctorJSON bool
)

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false,
		"release stale locks and sweep orphaned runs")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output as JSON")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var checks []diagnostics.Check
	var fixes []string

	pre := diagnostics.RunPreflight(cfg.StateDir, 0, 0)
	checks = append(checks, pre.Checks...)

	store, storeErr := openStore(cfg)
	if storeErr != nil {
		checks = append(checks, diagnostics.Check{
			Name: "database", Status: diagnostics.CheckFail, Detail: storeErr.Error()})
	} else {
		defer store.Close()
		checks = append(checks, checkDatabase(ctx, cfg, store))
	}

	checks = append(checks, checkProcessTable())
	checks = append(checks, checkProcessGroups())

	locker, lockErr := newLockManager(cfg, nil, nil)
	if lockErr != nil {
		checks = append(checks, diagnostics.Check{
			Name: "locks", Status: diagnostics.CheckFail, Detail: lockErr.Error()})
	} else {
		c, f := checkStaleLocks(locker, doctorFix)
		checks = append(checks, c)
		fixes = append(fixes, f...)
	}

	checks = append(checks, checkWaitEdges(cfg))

	if storeErr == nil && lockErr == nil {
		c, f := checkOrphanRuns(ctx, cfg, store, locker, doctorFix)
		checks = append(checks, c)
		fixes = append(fixes, f...)
	}

	failed, warned := 0, 0
	for _, c := range checks {
		switch c.Status {
		case diagnostics.CheckFail:
			failed++
		case diagnostics.CheckWarn:
			warned++
		}
	}

	if doctorJSON {
		return OutputJSON(map[string]interface{}{
			"checks": checks,
			"fixes":  fixes,
			"ok":     failed == 0,
		})
	}

	fmt.Println("seqpipe doctor")
	fmt.Println()
	for _, c := range checks {
		fmt.Printf("  %s %-15s %s\n", statusIcon(c.Status), c.Name, c.Detail)
	}
	if len(fixes) > 0 {
		fmt.Println()
		for _, f := range fixes {
			fmt.Printf("  fixed: %s\n", f)
		}
	}
	fmt.Println()
	switch {
	case failed > 0:
		msg := "doctor found problems"
		if !doctorFix {
			msg += "; rerun with --fix to repair what it can"
		}
		return &ExitCodeError{Code: 1, Message: msg}
	case warned > 0:
		fmt.Println("Warnings only; the pipeline should run.")
	default:
		fmt.Println("All checks passed.")
	}
	return nil
}

func statusIcon(s diagnostics.CheckStatus) string {
	switch s {
	case diagnostics.CheckOK:
		return "✓"
	case diagnostics.CheckWarn:
		return "⚠"
	default:
		return "✗"
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config, store *state.SQLiteRunStore) diagnostics.Check {
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return diagnostics.Check{Name: "database", Status: diagnostics.CheckFail, Detail: err.Error()}
	}
	return diagnostics.Check{
		Name:   "database",
		Status: diagnostics.CheckOK,
		Detail: fmt.Sprintf("%s (%d queued)", cfg.DBPath(), depth),
	}
}

func checkProcessTable() diagnostics.Check {
	pids, err := process.Pids()
	if err != nil {
		return diagnostics.Check{
			Name:   "process_table",
			Status: diagnostics.CheckFail,
			Detail: fmt.Sprintf("process table unreadable: %v", err),
		}
	}
	return diagnostics.Check{
		Name:   "process_table",
		Status: diagnostics.CheckOK,
		Detail: fmt.Sprintf("%d processes visible", len(pids)),
	}
}

func checkProcessGroups() diagnostics.Check {
	pgid, err := proctree.GroupOf(int32(os.Getpid()))
	if err != nil {
		return diagnostics.Check{
			Name:   "process_groups",
			Status: diagnostics.CheckFail,
			Detail: fmt.Sprintf("process groups unavailable: %v", err),
		}
	}
	return diagnostics.Check{
		Name:   "process_groups",
		Status: diagnostics.CheckOK,
		Detail: fmt.Sprintf("pgid %d", pgid),
	}
}

func checkStaleLocks(locker *locking.Manager, fix bool) (diagnostics.Check, []string) {
	holders, err := locker.List()
	if err != nil {
		return diagnostics.Check{Name: "locks", Status: diagnostics.CheckFail, Detail: err.Error()}, nil
	}
	var stale []string
	for _, h := range holders {
		if holderState(h) == "stale" {
			stale = append(stale, h.Name)
		}
	}
	if len(stale) == 0 {
		return diagnostics.Check{
			Name:   "locks",
			Status: diagnostics.CheckOK,
			Detail: fmt.Sprintf("%d held, none stale", len(holders)),
		}, nil
	}
	if !fix {
		return diagnostics.Check{
			Name:   "locks",
			Status: diagnostics.CheckWarn,
			Detail: fmt.Sprintf("stale: %s (--fix releases them)", strings.Join(stale, ", ")),
		}, nil
	}
	var released []string
	var left []string
	for _, name := range stale {
		if err := locker.ForceRelease(name); err != nil {
			left = append(left, name)
			continue
		}
		released = append(released, "released stale lock "+name)
	}
	if len(left) > 0 {
		return diagnostics.Check{
			Name:   "locks",
			Status: diagnostics.CheckWarn,
			Detail: "could not release: " + strings.Join(left, ", "),
		}, released
	}
	return diagnostics.Check{
		Name:   "locks",
		Status: diagnostics.CheckOK,
		Detail: fmt.Sprintf("released %d stale", len(released)),
	}, released
}

func checkWaitEdges(cfg *config.Config) diagnostics.Check {
	edges, err := deadlock.NewFSStore(cfg.DeadlockDir(), cfg.Deadlock.EdgeTTL)
	if err != nil {
		return diagnostics.Check{Name: "wait_edges", Status: diagnostics.CheckFail, Detail: err.Error()}
	}
	// Snapshot prunes expired and dead-waiter entries as it reads.
	snap, err := edges.Snapshot()
	if err != nil {
		return diagnostics.Check{Name: "wait_edges", Status: diagnostics.CheckFail, Detail: err.Error()}
	}
	return diagnostics.Check{
		Name:   "wait_edges",
		Status: diagnostics.CheckOK,
		Detail: fmt.Sprintf("%d live", len(snap)),
	}
}

// checkOrphanRuns looks for runs a dead processor left in flight. The sweep
// only runs when no processor is active, so it cannot race a live one.
func checkOrphanRuns(ctx context.Context, cfg *config.Config, store *state.SQLiteRunStore, locker *locking.Manager, fix bool) (diagnostics.Check, []string) {
	st, err := queue.ReadStatus(ctx, store, locker, newControl(cfg), 1)
	if err != nil {
		return diagnostics.Check{Name: "orphans", Status: diagnostics.CheckFail, Detail: err.Error()}, nil
	}
	if st.Active {
		return diagnostics.Check{
			Name:   "orphans",
			Status: diagnostics.CheckOK,
			Detail: "processor active; in-flight runs are owned",
		}, nil
	}

	inFlight := 0
	for _, status := range []core.RunStatus{core.StatusRunning, core.StatusRetrying} {
		runs, err := store.ListRuns(ctx, core.ListFilter{Status: status})
		if err != nil {
			return diagnostics.Check{Name: "orphans", Status: diagnostics.CheckFail, Detail: err.Error()}, nil
		}
		inFlight += len(runs)
	}
	if inFlight == 0 {
		return diagnostics.Check{Name: "orphans", Status: diagnostics.CheckOK, Detail: "none"}, nil
	}
	if !fix {
		return diagnostics.Check{
			Name:   "orphans",
			Status: diagnostics.CheckWarn,
			Detail: fmt.Sprintf("%d runs left in flight by a dead processor (--fix sweeps them)", inFlight),
		}, nil
	}
	swept, err := store.SweepOrphans(ctx, "swept by doctor")
	if err != nil {
		return diagnostics.Check{Name: "orphans", Status: diagnostics.CheckFail, Detail: err.Error()}, nil
	}
	fixes := make([]string, 0, len(swept))
	for _, rec := range swept {
		fixes = append(fixes, "swept orphaned run "+rec.RunID)
	}
	return diagnostics.Check{
		Name:   "orphans",
		Status: diagnostics.CheckOK,
		Detail: fmt.Sprintf("swept %d", len(swept)),
	}, fixes
}
