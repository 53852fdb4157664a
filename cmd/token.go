package cmd

import (
	"errors"
	"fmt"
	"time"

	"droidfleet-cloud/internal/auth"

	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, ok := auth.NormalizeRole(tokenRole)
		if !ok {
			return fmt.Errorf("token: unknown role %q", tokenRole)
		}
		if tokenSubject == "" {
			return errors.New("token: --subject required")
		}
		token, err := auth.IssueJWT([]byte(cfg.JWTSecret), tokenSubject, role, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (operator name or device id)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleOperator), "Role: viewer, operator, admin or device")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
