package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"leasecast/pkg/auth"
)

func newTokenCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		subject string
		role    string
		scoped  bool
		expiry  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a control API bearer token from the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("jwt_secret is not configured; the control API is unauthenticated")
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return fmt.Errorf("unknown role %q", role)
			}

			jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
			jwtCfg.TokenExpiry = expiry
			svc, err := auth.NewJWTService(jwtCfg)
			if err != nil {
				return err
			}
			partition := ""
			if scoped {
				partition = cfg.PersistenceKey
			}
			tok, err := svc.GenerateToken(subject, r, partition)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "admin, operator or viewer")
	cmd.Flags().BoolVar(&scoped, "scoped", true, "restrict the token to the configured persistence key")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "token lifetime")
	return cmd
}
