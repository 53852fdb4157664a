package cmd

import (
	"fmt"
	"log"
	"os"

	"droidfleet-cloud/internal/config"

	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        config.Config
	logger     = log.New(os.Stdout, "", log.LstdFlags)
)

var rootCmd = &cobra.Command{
	Use:           "droidfleet",
	Short:         "Command dispatch server for Android device fleets.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := os.Setenv("FLEET_CONFIG", configPath); err != nil {
				return err
			}
		}
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (overrides $FLEET_CONFIG)")
}
