package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/boardsync/internal/app"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/syncserver"
)

type tokenResult struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		secret  string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token for the reference sync server",
		Long: "Mint an HS256 token accepted by boardsync-server. The subject defaults to the\n" +
			"local user id; devices that share a subject share synced data.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.App) (any, error) {
				sub := strings.TrimSpace(subject)
				if sub == "" {
					sub = a.Identity.UserID()
				}
				key := secret
				if key == "" {
					key = a.Config.Server.JWTSecret
				}
				if key == "" {
					return nil, errs.Validation("cli.token", "a signing secret is required (--secret or server.jwt_secret)")
				}
				if ttl <= 0 {
					ttl = 24 * time.Hour
				}
				now := time.Now()
				token, err := syncserver.IssueToken(key, sub, ttl, now)
				if err != nil {
					return nil, errs.Wrap(errs.KindValidation, "cli.token", err)
				}
				return tokenResult{Token: token, Subject: sub, ExpiresAt: now.Add(ttl).UTC()}, nil
			}, func(w io.Writer, data any) {
				res, _ := data.(tokenResult)
				fmt.Fprintln(w, res.Token)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, the local user id by default")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret, server.jwt_secret by default")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
