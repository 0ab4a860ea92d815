package cmd

import (
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Run and control the job processor",
}

func init() {
	rootCmd.AddCommand(queueCmd)
}
