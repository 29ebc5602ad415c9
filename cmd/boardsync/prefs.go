package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/boardsync/internal/app"
	"github.com/agentworkforce/boardsync/internal/workspace"
)

type effectiveSync struct {
	Enabled  bool          `json:"enabled"`
	Endpoint string        `json:"endpoint,omitempty"`
	Strategy string        `json:"strategy"`
	Interval time.Duration `json:"interval"`
}

type prefsView struct {
	Sync      workspace.SyncPreferences `json:"sync"`
	Effective effectiveSync             `json:"effective"`
}

type prefsFlags struct {
	enabled  bool
	endpoint string
	strategy string
	interval int
}

func newPrefsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change the synced sync preferences",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Print the stored sync preferences and the settings in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.App) (any, error) {
				return viewPrefs(a, a.Workspaces.Preferences()), nil
			}, printPrefs)
		},
	}

	flags := &prefsFlags{}
	set := &cobra.Command{
		Use:   "set",
		Short: "Change sync preferences; they override the config file",
		Long: "Change sync preferences. Only the flags given are changed. An empty " +
			"--endpoint or --strategy, or --interval 0, falls back to the config file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			changed := cmd.Flags().Changed
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				prefs := a.Workspaces.Preferences()
				if changed("enabled") {
					enabled := flags.enabled
					prefs.Sync.Enabled = &enabled
				}
				if changed("endpoint") {
					prefs.Sync.Endpoint = flags.endpoint
				}
				if changed("strategy") {
					prefs.Sync.Strategy = flags.strategy
				}
				if changed("interval") {
					prefs.Sync.IntervalSeconds = flags.interval
				}
				saved, err := a.Workspaces.SetPreferences(ctx, prefs)
				if err != nil {
					return nil, err
				}
				return viewPrefs(a, saved), nil
			}, printPrefs)
		},
	}
	set.Flags().BoolVar(&flags.enabled, "enabled", false, "enable or disable sync")
	set.Flags().StringVar(&flags.endpoint, "endpoint", "", "sync endpoint URL")
	set.Flags().StringVar(&flags.strategy, "strategy", "", "local_wins, remote_wins, merge or prompt_user")
	set.Flags().IntVar(&flags.interval, "interval", 0, "seconds between automatic syncs")

	cmd.AddCommand(get, set)
	return cmd
}

func viewPrefs(a *app.App, prefs workspace.Preferences) prefsView {
	s := app.EffectiveSyncSettings(a.Config, prefs.Sync)
	return prefsView{
		Sync: prefs.Sync,
		Effective: effectiveSync{
			Enabled:  s.Endpoint != "",
			Endpoint: s.Endpoint,
			Strategy: string(s.Strategy),
			Interval: s.Interval,
		},
	}
}

func printPrefs(w io.Writer, data any) {
	v, _ := data.(prefsView)
	enabled := "(config)"
	if v.Sync.Enabled != nil {
		enabled = strconv.FormatBool(*v.Sync.Enabled)
	}
	fmt.Fprintf(w, "enabled:   %s -> %t\n", enabled, v.Effective.Enabled)
	fmt.Fprintf(w, "endpoint:  %s -> %s\n", orConfig(v.Sync.Endpoint), v.Effective.Endpoint)
	fmt.Fprintf(w, "strategy:  %s -> %s\n", orConfig(v.Sync.Strategy), v.Effective.Strategy)
	interval := "(config)"
	if v.Sync.IntervalSeconds > 0 {
		interval = strconv.Itoa(v.Sync.IntervalSeconds) + "s"
	}
	fmt.Fprintf(w, "interval:  %s -> %s\n", interval, v.Effective.Interval)
}

func orConfig(value string) string {
	if value == "" {
		return "(config)"
	}
	return value
}
