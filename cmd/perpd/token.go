package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		perms   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed capability token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			c := auth.Capability{Subject: subject}
			for _, p := range perms {
				switch perm := auth.Permission(p); perm {
				case auth.PermTrade, auth.PermKeeper, auth.PermAdmin:
					c.Perms = append(c.Perms, perm)
				default:
					return fmt.Errorf("unknown permission %q", p)
				}
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := issuer.Issue(c, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "account the token acts as")
	cmd.Flags().StringSliceVar(&perms, "perm", []string{"trade"}, "permissions: trade, keeper, admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
