package cmd

import (
	"fmt"

	commandsapp "droidfleet-cloud/internal/commands/application"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue commands once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		sweeper := commandsapp.NewSweeper(a.service, cfg.Sweeper.Interval, cfg.Sweeper.Batch, logger)
		expired, err := sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		relayed, err := a.dispatcher.Dispatch(cmd.Context())
		if err != nil {
			logger.Printf("sweep relay error: err=%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d commands, relayed %d events\n", expired, relayed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
