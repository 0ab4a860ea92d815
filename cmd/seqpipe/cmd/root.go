package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	stateDirFlag string
	logLevel     string
	logFormat    string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "seqpipe",
	Short: "Sequential execution pipeline for heavyweight commands",
	Long: `seqpipe serializes resource-hungry commands (builds, linters, test
suites) through a per-project queue: one job at a time, under a wall
clock timeout, a memory ceiling and named resource locks, with every
attempt recorded for later inspection.

Typical flow:

  seqpipe queue start            # processor, one terminal
  seqpipe submit -- go test ./...
  seqpipe status
  seqpipe run list`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// GetVersion returns the application version string.
func GetVersion() string {
	return appVersion
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .seqpipe.yaml, then ~/.config/seqpipe)")
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "state-dir", "",
		"state directory (default: .seqpipe)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")

	// Bind flags to viper (errors are nil when flag exists)
	_ = viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}
