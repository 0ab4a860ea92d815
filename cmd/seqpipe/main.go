package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/Emasoft/SelectFileCLI-sub003/cmd/seqpipe/cmd"
)

// Version information - set by goreleaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Inject version info into command package
	cmd.SetVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		// Commands that track a job to completion exit with the job's own
		// code so scripts and CI can branch on it.
		var exitErr *cmd.ExitCodeError
		if errors.As(err, &exitErr) {
			if exitErr.Message != "" {
				fmt.Fprintln(os.Stderr, exitErr.Message)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
