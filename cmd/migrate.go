package cmd

import (
	"errors"
	"fmt"

	"droidfleet-cloud/internal/config"
	"droidfleet-cloud/migrations"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store == config.StoreMemory {
			return errors.New("migrate: memory store has no schema")
		}
		db, err := openDB(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := migrations.Apply(cmd.Context(), db)
		if err != nil {
			return err
		}
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
