package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/bundle"
)

var runExportCmd = &cobra.Command{
	Use:   "export RUN_ID",
	Short: "Write a diagnostic bundle for a run",
	Long: `Collect a run's record, its job, the full attempt chain, the captured
log and any crash dumps into a tar.gz for sharing or bug reports.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunExport,
}

var runExportOut string

func init() {
	runCmd.AddCommand(runExportCmd)
	runExportCmd.Flags().StringVarP(&runExportOut, "output", "o", "",
		"output path (default: seqpipe-<run-id>.tar.gz)")
}

func runRunExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := bundle.Export(cmd.Context(), store, &bundle.Options{
		RunID:       args[0],
		OutputPath:  runExportOut,
		DumpsDir:    cfg.DumpsDir(),
		ToolVersion: appVersion,
	})
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", res.OutputPath)
	return nil
}
