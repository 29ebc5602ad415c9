package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/config"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/storage"
	"github.com/agentworkforce/boardsync/internal/syncserver"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type serverFlags struct {
	configPath string
	addr       string
	dsn        string
}

func newRootCmd() *cobra.Command {
	flags := &serverFlags{}
	cmd := &cobra.Command{
		Use:           "boardsync-server",
		Short:         "Reference sync endpoint for boardsync clients",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "config file")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "listen address, server.addr by default")
	cmd.Flags().StringVar(&flags.dsn, "dsn", "", "storage DSN, server.dsn by default")
	return cmd
}

func (f *serverFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.dsn != "" {
		cfg.Server.DSN = f.dsn
	}
	return cfg, cfg.Validate()
}

// build wires the storage backend, metrics and sync handlers. The returned
// store must be closed by the caller.
func build(cfg *config.Config, logger *zap.Logger) (*http.Server, *storage.Store, error) {
	store, err := storage.Open(cfg.Server.DSN, storage.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	if cfg.Server.JWTSecret == "" {
		logger.Warn("server.jwt_secret is not set, using the development secret")
	}
	srv, err := syncserver.New(store, syncserver.Config{
		JWTSecret:    cfg.Server.JWTSecret,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodySize,
	}, syncserver.WithLogger(logger), syncserver.WithMetrics(metrics.NewCollector("boardsync_server")))
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, store, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	httpServer, store, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("boardsync-server listening", zap.String("addr", cfg.Server.Addr), zap.String("dsn", redactDSN(cfg.Server.DSN)))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// redactDSN hides the password of URL-style DSNs before logging.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}
