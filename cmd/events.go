package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"droidfleet-cloud/internal/config"
	eventingrepo "droidfleet-cloud/internal/eventing/infrastructure/postgres"

	"github.com/spf13/cobra"
)

var (
	dlqLimit       int
	dlqJSON        bool
	pruneOlderThan time.Duration
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and maintain the event outbox",
}

var eventsDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List events that exhausted their relay attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventDB(cmd.Context(), func(db *sql.DB) error {
			letters, err := eventingrepo.NewDLQStore(db).List(cmd.Context(), dlqLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dlqJSON {
				b, _ := json.MarshalIndent(letters, "", "  ")
				fmt.Fprintln(out, string(b))
				return nil
			}
			for _, l := range letters {
				fmt.Fprintf(out, "%s  %-40s  device=%s  attempts=%d  last=%s  err=%q\n",
					l.EventID, l.EventType, l.Envelope.DeviceID, l.Attempts, l.LastSeenAt.Format(time.RFC3339), l.Error)
			}
			return nil
		})
	},
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay [event-id]",
	Short: "Move a dead-lettered event back into the outbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventDB(cmd.Context(), func(db *sql.DB) error {
			id, err := eventingrepo.NewDLQStore(db).Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %s as outbox record %s\n", args[0], id)
			return nil
		})
	},
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete relayed outbox records and old idempotency markers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneOlderThan <= 0 {
			return errors.New("events prune: --older-than must be positive")
		}
		return withEventDB(cmd.Context(), func(db *sql.DB) error {
			cutoff := time.Now().UTC().Add(-pruneOlderThan)
			sent, err := eventingrepo.NewOutboxStore(db).PruneSent(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			markers, err := eventingrepo.NewProcessedStore(db).PruneBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			logger.Printf("events pruned: cutoff=%s outbox=%d processed=%d", cutoff.Format(time.RFC3339), sent, markers)
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d outbox records, %d processed markers\n", sent, markers)
			return nil
		})
	},
}

func withEventDB(ctx context.Context, fn func(db *sql.DB) error) error {
	if cfg.Store == config.StoreMemory {
		return errors.New("events: memory store keeps no outbox between runs")
	}
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func init() {
	eventsDLQCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Max rows")
	eventsDLQCmd.Flags().BoolVar(&dlqJSON, "json", false, "JSON output")
	eventsPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Age of records to delete")
	eventsCmd.AddCommand(eventsDLQCmd, eventsReplayCmd, eventsPruneCmd)
	rootCmd.AddCommand(eventsCmd)
}
