// Package app builds the boardsync context object: every component wired
// once from a Config and handed to the CLI or an embedding host. Tests build
// isolated instances with their own stores and clock.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/changes"
	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/config"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/identity"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/scheduler"
	"github.com/agentworkforce/boardsync/internal/storage"
	"github.com/agentworkforce/boardsync/internal/syncmgr"
	"github.com/agentworkforce/boardsync/internal/workspace"
)

// DeviceKey holds the stable id this installation reports to the sync
// endpoint.
const DeviceKey = "device"

type Options struct {
	// ConfigPath enables hot reload of the sync section when Watch is set.
	ConfigPath string
	Watch      bool

	Clock           clock.Clock
	Logger          *zap.Logger
	Metrics         *metrics.Collector
	Fingerprint     func() string
	RemoteClient    syncmgr.RemoteClient
	ConflictHandler syncmgr.ConflictHandler
	Online          func() bool

	// SkipHealthCheck configures sync without contacting the endpoint. Set
	// it for commands that never sync.
	SkipHealthCheck bool
}

type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Collector
	Storage    *storage.Store
	Session    *storage.Store
	Identity   *identity.Provider
	Scheduler  *scheduler.Scheduler
	Changes    *changes.Tracker
	Workspaces *workspace.Store
	Sync       *syncmgr.Manager
	DeviceID   string

	watcher         *config.Watcher
	unsubscribe     func()
	skipHealthCheck bool

	// syncMu guards Config and the settings last handed to Sync.
	syncMu      sync.Mutex
	syncApplied bool
	syncCurrent syncmgr.Settings

	closeOnce sync.Once
	closeErr  error
}

// New opens storage, restores the identity and workspaces and configures
// sync. Storage and identity failures are initialization errors; an
// unreachable sync endpoint is not, the app keeps working offline.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	const op = "app.new"
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindInitialization, op, err)
	}
	logger := opts.Logger
	if logger == nil {
		built, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, errs.Wrap(errs.KindInitialization, op, err)
		}
		logger = built
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: opts.Metrics, skipHealthCheck: opts.SkipHealthCheck}

	primary, err := storage.Open(cfg.ResolvedStorageDSN(), storage.WithClock(clk), storage.WithLogger(logger))
	if err != nil {
		return nil, errs.Wrap(errs.KindInitialization, op, err)
	}
	a.Storage = primary
	session, err := storage.Open(cfg.ResolvedSessionDSN(), storage.WithClock(clk), storage.WithLogger(logger))
	if err != nil {
		logger.Warn("session storage unavailable; identity persists to primary storage only", zap.Error(err))
	} else {
		a.Session = session
	}

	fail := func(err error) (*App, error) {
		_ = a.closeStores()
		return nil, errs.Wrap(errs.KindInitialization, op, err)
	}

	identityOpts := []identity.Option{identity.WithClock(clk), identity.WithLogger(logger)}
	if opts.Fingerprint != nil {
		identityOpts = append(identityOpts, identity.WithFingerprint(opts.Fingerprint))
	}
	var sessionStore identity.Store
	if a.Session != nil {
		sessionStore = a.Session
	}
	a.Identity = identity.NewProvider(primary, sessionStore, identityOpts...)
	if _, err := a.Identity.Initialize(ctx); err != nil {
		return fail(err)
	}
	if a.DeviceID, err = loadDeviceID(ctx, primary); err != nil {
		return fail(err)
	}

	a.Scheduler = scheduler.New(primary,
		scheduler.WithClock(clk),
		scheduler.WithDelays(scheduler.Delays{
			High:   cfg.Scheduler.HighDelay,
			Medium: cfg.Scheduler.MediumDelay,
			Low:    cfg.Scheduler.LowDelay,
		}),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(opts.Metrics),
	)
	a.Changes = changes.New(primary,
		changes.WithScheduler(a.Scheduler),
		changes.WithClock(clk),
		changes.WithLogger(logger),
		changes.WithMetrics(opts.Metrics),
		changes.WithOwner(a.Identity.UserID),
		changes.WithCapacity(cfg.Changes.Capacity),
	)
	if err := a.Changes.Load(ctx); err != nil {
		return fail(err)
	}
	a.Workspaces = workspace.New(primary,
		workspace.WithScheduler(a.Scheduler),
		workspace.WithTracker(a.Changes),
		workspace.WithOwner(a.Identity.UserID),
		workspace.WithClock(clk),
		workspace.WithLogger(logger),
		workspace.WithContentWriteMode(cfg.Workspace.ContentWriteMode),
		workspace.WithDefaultName(cfg.Workspace.DefaultName),
	)
	if err := a.Workspaces.Initialize(ctx); err != nil {
		return fail(err)
	}

	syncOpts := []syncmgr.Option{
		syncmgr.WithClock(clk),
		syncmgr.WithLogger(logger),
		syncmgr.WithMetrics(opts.Metrics),
		syncmgr.WithIdentity(func() (string, string) {
			id, _ := a.Identity.Current()
			return id.UserID, id.DeviceFingerprint
		}),
		syncmgr.WithDeviceID(a.DeviceID),
		syncmgr.WithOnline(opts.Online),
		syncmgr.WithConflictHandler(opts.ConflictHandler),
	}
	if opts.RemoteClient != nil {
		syncOpts = append(syncOpts, syncmgr.WithRemoteClient(opts.RemoteClient))
	}
	a.Sync = syncmgr.New(a.Workspaces, a.Changes, syncOpts...)
	if err := a.applySync(ctx, nil, !opts.SkipHealthCheck); err != nil {
		if !errs.IsKind(err, errs.KindInitialization) {
			return fail(err)
		}
		logger.Warn("sync endpoint unreachable; continuing offline", zap.Error(err))
	}
	a.unsubscribe = a.Workspaces.Subscribe(workspace.ListenerFunc(a.handleWorkspaceEvent))

	if opts.Watch && opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(opts.ConfigPath, cfg, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config hot reload disabled", zap.String("path", opts.ConfigPath), zap.Error(err))
		} else {
			a.watcher = watcher
			watcher.OnChange(func(next *config.Config) {
				a.Reload(context.Background(), next)
			})
		}
	}

	logger.Info("boardsync ready",
		zap.String("user_id", a.Identity.UserID()),
		zap.String("device_id", a.DeviceID),
		zap.Int("workspaces", len(a.Workspaces.Workspaces())),
		zap.String("sync_status", string(a.Sync.State().Status)),
	)
	return a, nil
}

// SyncSettings maps the sync section of cfg onto manager settings. Sync with
// enabled unset maps to an empty endpoint, which disables it.
func SyncSettings(cfg *config.Config) syncmgr.Settings {
	s := syncmgr.Settings{
		Token:               cfg.Sync.Token,
		Strategy:            syncmgr.Strategy(cfg.Sync.Strategy),
		Interval:            cfg.Sync.Interval,
		Jitter:              cfg.Sync.Jitter,
		Timeout:             cfg.Sync.Timeout,
		DivergenceThreshold: cfg.Sync.DivergenceThreshold,
		Passphrase:          cfg.Sync.Passphrase,
		Compress:            cfg.Sync.Compress,
		AppVersion:          cfg.Sync.AppVersion,
		Notifications:       cfg.Sync.Notifications,
	}
	if cfg.Sync.Enabled {
		s.Endpoint = cfg.Sync.Endpoint
	}
	return s
}

// EffectiveSyncSettings overlays the stored sync preferences on the sync
// section of cfg. Unset preference fields keep the configured value.
func EffectiveSyncSettings(cfg *config.Config, prefs workspace.SyncPreferences) syncmgr.Settings {
	s := SyncSettings(cfg)
	enabled := cfg.Sync.Enabled
	if prefs.Enabled != nil {
		enabled = *prefs.Enabled
	}
	endpoint := cfg.Sync.Endpoint
	if prefs.Endpoint != "" {
		endpoint = prefs.Endpoint
	}
	s.Endpoint = ""
	if enabled {
		s.Endpoint = endpoint
	}
	if prefs.Strategy != "" {
		s.Strategy = syncmgr.Strategy(prefs.Strategy)
	}
	if prefs.IntervalSeconds > 0 {
		s.Interval = time.Duration(prefs.IntervalSeconds) * time.Second
	}
	return s
}

// applySync hands the effective settings to Sync when they changed, and stops
// the loop once sync is disabled. next replaces Config when set.
func (a *App) applySync(ctx context.Context, next *config.Config, healthCheck bool) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	if next != nil {
		a.Config = next
	}
	settings := EffectiveSyncSettings(a.Config, a.Workspaces.Preferences().Sync)
	if a.syncApplied && settings == a.syncCurrent {
		return nil
	}
	a.syncApplied = true
	a.syncCurrent = settings

	var err error
	if healthCheck {
		err = a.Sync.Configure(ctx, settings)
	} else {
		err = a.Sync.UpdateSettings(settings)
	}
	if settings.Endpoint == "" && a.Sync.Running() {
		a.Sync.Stop()
	}
	return err
}

// handleWorkspaceEvent follows preference changes, local or pulled, into the
// sync settings. Pulled ones skip the health check since they arrive in the
// middle of a sync.
func (a *App) handleWorkspaceEvent(e workspace.Event) {
	healthCheck := false
	switch {
	case e.Type == workspace.EventPreferencesUpdated:
		healthCheck = !a.skipHealthCheck
	case e.Type == workspace.EventRemoteApplied && e.DataType == workspace.KeyPreferences:
	default:
		return
	}
	if err := a.applySync(context.Background(), nil, healthCheck); err != nil {
		a.Logger.Warn("sync preferences not applied", zap.Error(err))
		return
	}
	a.Logger.Info("sync preferences applied", zap.String("status", string(a.Sync.State().Status)))
}

// Reload applies a changed config. Only the sync section takes effect on a
// running app; storage and scheduler settings need a restart. Stored sync
// preferences still take precedence.
func (a *App) Reload(ctx context.Context, next *config.Config) {
	if next == nil {
		return
	}
	if err := a.applySync(ctx, next, true); err != nil {
		a.Logger.Warn("sync reconfigure failed", zap.Error(err))
	}
	a.Logger.Info("config reloaded",
		zap.Bool("sync_enabled", next.Sync.Enabled),
		zap.String("strategy", next.Sync.Strategy),
		zap.Duration("interval", next.Sync.Interval),
	)
}

// Close stops sync, flushes pending writes and closes storage. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var all []error
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		if a.watcher != nil {
			all = append(all, a.watcher.Close())
		}
		if a.Sync != nil {
			a.Sync.Stop()
		}
		if a.Workspaces != nil {
			all = append(all, a.Workspaces.Flush(ctx))
		}
		if a.Scheduler != nil {
			all = append(all, a.Scheduler.Close(ctx))
		}
		all = append(all, a.closeStores())
		a.closeErr = errors.Join(all...)
	})
	return a.closeErr
}

func (a *App) closeStores() error {
	var all []error
	if a.Storage != nil {
		all = append(all, a.Storage.Close())
	}
	if a.Session != nil {
		all = append(all, a.Session.Close())
	}
	return errors.Join(all...)
}

func loadDeviceID(ctx context.Context, store *storage.Store) (string, error) {
	var id string
	_, err := store.Retrieve(ctx, DeviceKey, &id)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return "", err
	}
	id = "dev_" + uuid.NewString()
	if err := store.Store(ctx, DeviceKey, id); err != nil {
		return "", err
	}
	return id, nil
}
