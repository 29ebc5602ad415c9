package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/boardsync/internal/app"
	"github.com/agentworkforce/boardsync/internal/identity"
)

type identityView struct {
	identity.Identity
	DeviceID string `json:"deviceId"`
}

func newIdentityCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show or reset the anonymous identity of this device",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.App) (any, error) {
				id, _ := a.Identity.Current()
				return identityView{Identity: id, DeviceID: a.DeviceID}, nil
			}, printIdentity)
		},
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Replace the identity with a new one",
		Long:  "Replace the identity with a new one. Existing workspaces keep their recorded owner.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				id, err := a.Identity.Reset(ctx)
				if err != nil {
					return nil, err
				}
				return identityView{Identity: id, DeviceID: a.DeviceID}, nil
			}, printIdentity)
		},
	}
	cmd.AddCommand(show, reset)
	return cmd
}

func printIdentity(w io.Writer, data any) {
	v, _ := data.(identityView)
	fmt.Fprintf(w, "user:     %s\n", v.UserID)
	fmt.Fprintf(w, "session:  %s\n", v.SessionID)
	fmt.Fprintf(w, "device:   %s\n", v.DeviceID)
	fmt.Fprintf(w, "created:  %s\n", v.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "active:   %s\n", v.LastActivity.Local().Format("2006-01-02 15:04:05"))
}
