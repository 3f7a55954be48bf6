package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/roomcast/internal/auth"
	"github.com/adred-codev/roomcast/internal/config"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		userID   string
		username string
		role     string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a client token",
		Long: `Mint a signed token for a user with the configured AUTH_SECRET.

Pass it as ?token= on the WebSocket URL or in an authenticate event.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}

			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.AuthTokenTTL
			}

			token, err := auth.NewJWTManager(cfg.AuthSecret, ttl).Generate(userID, username, role)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id placed in the token subject")
	cmd.Flags().StringVar(&username, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to AUTH_TOKEN_TTL)")

	return cmd
}
