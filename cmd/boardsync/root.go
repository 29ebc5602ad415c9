package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/boardsync/internal/app"
	"github.com/agentworkforce/boardsync/internal/config"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/logging"
)

// reportedError is returned after a failure was already written as a JSON
// result, so main only sets the exit code.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

type rootOptions struct {
	configPath string
	jsonOut    bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "boardsync",
		Short:         "Local-first workspace storage with optional remote sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", envOrDefault("BOARDSYNC_CONFIG", config.DefaultFileName), "config file")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print results as JSON")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newWorkspaceCmd(opts),
		newContentCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newIdentityCmd(opts),
		newSyncCmd(opts),
		newPrefsCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindInitialization, "cli.config", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	} else if !o.logLevelFromEnv() {
		// Keep command output readable unless asked otherwise.
		cfg.Log.Level = "warn"
	}
	return cfg, nil
}

func (o *rootOptions) logLevelFromEnv() bool {
	_, ok := os.LookupEnv(config.EnvPrefix + "LOG_LEVEL")
	return ok
}

// openApp builds the app. Commands that talk to the sync endpoint set
// healthCheck; the rest start without contacting it.
func (o *rootOptions) openApp(ctx context.Context, watch, healthCheck bool) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, errs.Wrap(errs.KindInitialization, "cli.logger", err)
	}
	return app.New(ctx, cfg, app.Options{
		ConfigPath:      o.configPath,
		Watch:           watch,
		Logger:          logger,
		SkipHealthCheck: !healthCheck,
	})
}

type appFunc func(ctx context.Context, a *app.App) (any, error)

// run opens the app, runs fn and reports its result. human renders a
// successful result for terminal output.
func (o *rootOptions) run(cmd *cobra.Command, fn appFunc, human func(w io.Writer, data any)) error {
	return o.runApp(cmd, false, fn, human)
}

// runSync is run for commands that sync.
func (o *rootOptions) runSync(cmd *cobra.Command, fn appFunc, human func(w io.Writer, data any)) error {
	return o.runApp(cmd, true, fn, human)
}

func (o *rootOptions) runApp(cmd *cobra.Command, healthCheck bool, fn appFunc, human func(w io.Writer, data any)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := o.openApp(ctx, false, healthCheck)
	if err != nil {
		return o.report(cmd.OutOrStdout(), nil, err, human)
	}
	data, runErr := fn(ctx, a)
	closeErr := a.Close(ctx)
	if runErr == nil && closeErr != nil {
		runErr = closeErr
	}
	return o.report(cmd.OutOrStdout(), data, runErr, human)
}

func (o *rootOptions) report(w io.Writer, data any, err error, human func(io.Writer, any)) error {
	if o.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(errs.ToResult(data, err)); encErr != nil {
			return encErr
		}
		if err != nil {
			return &reportedError{err: err}
		}
		return nil
	}
	if err != nil {
		return err
	}
	if human != nil {
		human(w, data)
	}
	return nil
}

func printJSON(w io.Writer, data any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
