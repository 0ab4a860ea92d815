package cmd

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect runs: list, view, watch, export",
}

func init() {
	rootCmd.AddCommand(runCmd)
}
