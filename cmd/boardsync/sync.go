package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/app"
	"github.com/agentworkforce/boardsync/internal/syncmgr"
)

type syncStatus struct {
	syncmgr.State
	Pending map[string]int `json:"pending"`
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize with the configured remote endpoint",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print sync state and pending changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.runSync(cmd, func(_ context.Context, a *app.App) (any, error) {
				return currentStatus(a), nil
			}, printStatus)
		},
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run one full sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.runSync(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Sync.PerformFullSync(ctx)
			}, printFullSync)
		},
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Sync periodically until interrupted, reloading config on change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.AddCommand(status, run, watch)
	return cmd
}

func runWatch(cmd *cobra.Command, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := opts.openApp(ctx, true, true)
	if err != nil {
		return opts.report(cmd.OutOrStdout(), nil, err, nil)
	}
	defer a.Close(context.Background())

	out := cmd.OutOrStdout()
	unsubscribe := a.Sync.Subscribe(syncmgr.StateListenerFunc(func(st syncmgr.State) {
		if opts.jsonOut {
			printJSON(out, st)
			return
		}
		line := fmt.Sprintf("%s %s", st.LastSyncTime.Local().Format("15:04:05"), st.Status)
		if st.LastError != "" {
			line += ": " + st.LastError
		}
		fmt.Fprintln(out, line)
	}))
	defer unsubscribe()

	if err := a.Sync.Start(ctx); err != nil {
		return opts.report(out, nil, err, nil)
	}
	if _, err := a.Sync.PerformFullSync(ctx); err != nil {
		a.Logger.Warn("initial sync failed", zap.Error(err))
	}
	<-ctx.Done()
	a.Logger.Info("sync watch stopping", zap.Error(ctx.Err()))
	return nil
}

func currentStatus(a *app.App) syncStatus {
	pending := map[string]int{}
	for _, dt := range a.Workspaces.DataTypes() {
		pending[dt] = len(a.Changes.Pending(dt))
	}
	return syncStatus{State: a.Sync.State(), Pending: pending}
}

func printStatus(w io.Writer, data any) {
	st, _ := data.(syncStatus)
	fmt.Fprintf(w, "status:    %s\n", st.Status)
	if st.Endpoint != "" {
		fmt.Fprintf(w, "endpoint:  %s\n", st.Endpoint)
	}
	if !st.LastSyncTime.IsZero() {
		fmt.Fprintf(w, "last sync: %s\n", st.LastSyncTime.Local().Format("2006-01-02 15:04:05"))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "error:     %s\n", st.LastError)
	}
	for _, dt := range []string{"workspaces", "content", "preferences"} {
		fmt.Fprintf(w, "pending %-11s %d\n", dt+":", st.Pending[dt])
	}
}

func printFullSync(w io.Writer, data any) {
	res, _ := data.(syncmgr.FullSyncResult)
	if res.Skipped {
		fmt.Fprintln(w, "a sync is already running")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tPUSHED\tPULL\tCONFLICT")
	for _, tr := range res.Types {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%t\n", tr.DataType, tr.Pushed, tr.Pull.Outcome, tr.Pull.Conflict || tr.PushConflict)
	}
	_ = tw.Flush()
}
