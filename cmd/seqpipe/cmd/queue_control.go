package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the processor to exit after the current job",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := newControl(cfg).RequestStop(); err != nil {
			return err
		}
		fmt.Println("stop requested; the processor exits once the current job finishes")
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the queue",
	Long: `Pause the queue. The current job finishes; nothing new starts until
'seqpipe queue resume'. The marker survives processor restarts.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := newControl(cfg).Pause(); err != nil {
			return err
		}
		fmt.Println("queue paused; the current job finishes, nothing new starts")
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused queue",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := newControl(cfg).Resume(); err != nil {
			return err
		}
		fmt.Println("queue resumed")
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStopCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
}
