package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/deep-research/internal/auth"
)

func (c *cli) newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Create operator credentials",
	}

	var (
		role   string
		expiry time.Duration
	)
	token := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an operator JWT signed with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != auth.RoleAdmin && role != auth.RoleViewer {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret (JWT_SECRET) is not set")
			}
			tok, err := auth.NewJWTManager(cfg.Auth.JWTSecret, expiry).GenerateToken(args[0], role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&role, "role", auth.RoleViewer, "operator role (viewer or admin)")
	token.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "token lifetime")

	hash := &cobra.Command{
		Use:   "hash-key <key>",
		Short: "Hash an API key for auth.api_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}

	cmd.AddCommand(token, hash)
	return cmd
}
