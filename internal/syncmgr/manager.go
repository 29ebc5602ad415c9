// Package syncmgr reconciles local board state with a remote endpoint. It
// pushes pending changes, pulls remote envelopes and resolves divergent
// copies with a configurable conflict strategy.
package syncmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/changes"
	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/metrics"
)

type Status string

const (
	StatusDisabled Status = "disabled"
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
	StatusOffline  Status = "offline"
)

type Stats struct {
	TotalSyncs        int `json:"totalSyncs"`
	SuccessfulSyncs   int `json:"successfulSyncs"`
	FailedSyncs       int `json:"failedSyncs"`
	ConflictsResolved int `json:"conflictsResolved"`
}

type State struct {
	Status       Status    `json:"status"`
	LastSyncTime time.Time `json:"lastSyncTime"`
	LastError    string    `json:"lastError,omitempty"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Breaker      string    `json:"breaker,omitempty"`
	// Unresolved counts prompt_user conflicts waiting for a choice.
	Unresolved int   `json:"unresolved,omitempty"`
	Stats      Stats `json:"stats"`
}

// DataSource is the local side of synchronization.
type DataSource interface {
	DataTypes() []string
	SyncSnapshot(dataType string) (json.RawMessage, time.Time, error)
	ApplyRemote(ctx context.Context, dataType string, payload json.RawMessage, remoteTime time.Time) error
}

// ChangeQueue is the pending-change queue; *changes.Tracker satisfies it.
type ChangeQueue interface {
	Pending(dataType string) []changes.Change
	MarkSyncedThrough(ctx context.Context, dataType string, through time.Time) (int, error)
	RecordAttempt(ctx context.Context, ids ...string) error
}

type Settings struct {
	Endpoint            string
	Token               string
	Strategy            Strategy
	Interval            time.Duration
	Jitter              float64
	Timeout             time.Duration
	DivergenceThreshold time.Duration
	Passphrase          string
	Compress            bool
	AppVersion          string
	Notifications       bool
}

func DefaultSettings() Settings {
	return Settings{
		Strategy:            Merge,
		Interval:            30 * time.Second,
		Jitter:              0.2,
		Timeout:             10 * time.Second,
		DivergenceThreshold: 5 * time.Minute,
		AppVersion:          "dev",
	}
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.Strategy == "" {
		s.Strategy = d.Strategy
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Jitter < 0 || s.Jitter > 1 {
		s.Jitter = d.Jitter
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.DivergenceThreshold <= 0 {
		s.DivergenceThreshold = d.DivergenceThreshold
	}
	if s.AppVersion == "" {
		s.AppVersion = d.AppVersion
	}
	return s
}

type Manager struct {
	source     DataSource
	queue      ChangeQueue
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Collector
	identity   func() (userID, fingerprint string)
	deviceID   string
	online     func() bool
	httpClient *http.Client
	fixed      RemoteClient
	conflicts  ConflictHandler
	random     func() float64

	mu         sync.Mutex
	settings   Settings
	client     RemoteClient
	breaker    *gobreaker.CircuitBreaker
	state      State
	remoteSeen map[string]time.Time
	open       map[string]openConflict
	conflictID uint64
	running    bool
	loopCtx    context.Context
	timer      clock.Timer
	stopNotify context.CancelFunc

	syncing atomic.Bool
	opMu    sync.Mutex

	lmu          sync.RWMutex
	listeners    map[uint64]StateListener
	nextListener uint64
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithIdentity supplies the user id and fingerprint stamped on envelopes.
func WithIdentity(fn func() (userID, fingerprint string)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.identity = fn
		}
	}
}

func WithDeviceID(id string) Option {
	return func(m *Manager) { m.deviceID = id }
}

// WithOnline reports whether the device has connectivity. Ticks while
// offline record StatusOffline instead of syncing.
func WithOnline(fn func() bool) Option {
	return func(m *Manager) {
		if fn != nil {
			m.online = fn
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRemoteClient replaces the HTTP client built from the endpoint.
func WithRemoteClient(c RemoteClient) Option {
	return func(m *Manager) { m.fixed = c }
}

func WithConflictHandler(h ConflictHandler) Option {
	return func(m *Manager) { m.conflicts = h }
}

// WithRandom sets the source of jitter in [0,1).
func WithRandom(fn func() float64) Option {
	return func(m *Manager) {
		if fn != nil {
			m.random = fn
		}
	}
}

func New(source DataSource, queue ChangeQueue, opts ...Option) *Manager {
	m := &Manager{
		source:     source,
		queue:      queue,
		clock:      clock.Real(),
		logger:     zap.NewNop(),
		identity:   func() (string, string) { return "", "" },
		online:     func() bool { return true },
		random:     rand.Float64,
		settings:   DefaultSettings(),
		state:      State{Status: StatusDisabled},
		remoteSeen: map[string]time.Time{},
		open:       map[string]openConflict{},
		listeners:  map[uint64]StateListener{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure applies settings. An empty endpoint disables sync; otherwise the
// endpoint is probed and a failed probe is an initialization error.
func (m *Manager) Configure(ctx context.Context, s Settings) error {
	if err := m.UpdateSettings(s); err != nil {
		return err
	}
	if m.Settings().Endpoint == "" {
		return nil
	}
	return m.Probe(ctx)
}

// UpdateSettings applies s without checking the endpoint's health. A disabled
// manager given an endpoint becomes pending.
func (m *Manager) UpdateSettings(s Settings) error {
	const op = "syncmgr.configure"
	s = s.normalized()
	if !s.Strategy.Valid() {
		return errs.Validation(op, "unknown conflict strategy "+string(s.Strategy))
	}

	m.mu.Lock()
	previous := m.settings
	m.settings = s
	if len(m.open) > 0 && (s.Strategy != PromptUser || s.Endpoint != previous.Endpoint) {
		// Another strategy or endpoint settles these on the next pull.
		m.open = map[string]openConflict{}
		m.state.Unresolved = 0
	}
	if s.Endpoint == "" {
		m.client = nil
		m.breaker = nil
		m.stopNotificationsLocked()
		m.state.Endpoint = ""
		m.state.Breaker = ""
		state := m.setStatusLocked(StatusDisabled, "")
		m.mu.Unlock()
		m.notify(state)
		m.logger.Info("sync disabled")
		return nil
	}
	if m.client == nil || previous.Endpoint != s.Endpoint || previous.Token != s.Token {
		if m.fixed != nil {
			m.client = m.fixed
		} else {
			m.client = NewHTTPClient(s.Endpoint, s.Token, m.caller, m.httpClient)
		}
		m.breaker = m.newBreaker()
		m.state.Endpoint = s.Endpoint
		if m.running {
			m.stopNotificationsLocked()
			m.startNotificationsLocked()
		}
	}
	enabled := m.state.Status == StatusDisabled
	if enabled {
		m.setStatusLocked(StatusPending, "")
	}
	state := m.state
	m.mu.Unlock()
	if enabled {
		m.notify(state)
	}

	m.logger.Info("sync configured",
		zap.String("endpoint", s.Endpoint),
		zap.String("strategy", string(s.Strategy)),
		zap.Duration("interval", s.Interval),
	)
	return nil
}

// Probe checks GET {endpoint}/health.
func (m *Manager) Probe(ctx context.Context) error {
	const op = "syncmgr.probe"
	err := m.call(ctx, func(ctx context.Context, c RemoteClient) error {
		return c.Health(ctx)
	})
	if err != nil {
		m.updateState(func(st *State) {
			st.Status = StatusError
			st.LastError = err.Error()
		})
		return errs.Wrap(errs.KindInitialization, op, err)
	}
	m.updateState(func(st *State) {
		switch st.Status {
		case StatusDisabled, StatusError, StatusOffline:
			st.Status = StatusPending
			st.LastError = ""
		}
	})
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	if m.breaker != nil {
		st.Breaker = m.breaker.State().String()
	}
	return st
}

func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// PushChange sends payload as the remote copy of dataType and marks the
// pending changes of that type synced on success. It is refused while a
// prompt_user conflict for dataType is open.
func (m *Manager) PushChange(ctx context.Context, dataType string, payload json.RawMessage) error {
	const op = "syncmgr.push_change"
	if err := m.requireEnabled(op); err != nil {
		return err
	}
	if m.conflictOpen(dataType) {
		err := errs.Wrap(errs.KindConflict, op, fmt.Errorf("%w: %s", ErrUnresolved, dataType))
		m.recordOutcome(err, 0)
		return err
	}
	err := m.pushPending(ctx, dataType, payload, m.clock.Now().UTC())
	m.recordOutcome(err, 0)
	return err
}

// PullChanges fetches the remote copy of dataType and reconciles it with the
// local one.
func (m *Manager) PullChanges(ctx context.Context, dataType string) (PullResult, error) {
	if err := m.requireEnabled("syncmgr.pull_changes"); err != nil {
		return PullResult{}, err
	}
	res, err := m.pull(ctx, dataType)
	conflicts := 0
	if res.Conflict {
		conflicts = 1
	}
	m.recordOutcome(err, conflicts)
	return res, err
}

type TypeResult struct {
	DataType     string     `json:"dataType"`
	Pushed       bool       `json:"pushed"`
	PushConflict bool       `json:"pushConflict,omitempty"`
	Pull         PullResult `json:"pull"`
	Error        string     `json:"error,omitempty"`
}

type FullSyncResult struct {
	// Skipped is set when another full sync was already running.
	Skipped   bool         `json:"skipped,omitempty"`
	Types     []TypeResult `json:"types"`
	Conflicts int          `json:"conflicts"`
	Failures  int          `json:"failures"`
}

// PerformFullSync pushes then pulls every data type. Only one full sync runs
// at a time; a concurrent request returns a Skipped result.
func (m *Manager) PerformFullSync(ctx context.Context) (FullSyncResult, error) {
	const op = "syncmgr.full_sync"
	if err := m.requireEnabled(op); err != nil {
		return FullSyncResult{}, err
	}
	if !m.syncing.CompareAndSwap(false, true) {
		m.logger.Debug("full sync already running")
		return FullSyncResult{Skipped: true}, nil
	}
	defer m.syncing.Store(false)
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.updateState(func(st *State) { st.Status = StatusSyncing })

	var result FullSyncResult
	var failures []error
	for _, dataType := range m.source.DataTypes() {
		tr, err := m.syncType(ctx, dataType)
		if err != nil {
			tr.Error = err.Error()
			failures = append(failures, err)
			result.Failures++
		}
		if tr.Pull.Conflict {
			result.Conflicts++
		}
		result.Types = append(result.Types, tr)
	}

	var err error
	if len(failures) > 0 {
		err = errs.Wrap(errs.KindOf(failures[0]), op, errors.Join(failures...))
	}
	m.recordOutcome(err, result.Conflicts)
	m.logger.Info("full sync finished",
		zap.Int("types", len(result.Types)),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("failures", result.Failures),
	)
	return result, err
}

func (m *Manager) syncType(ctx context.Context, dataType string) (TypeResult, error) {
	tr := TypeResult{DataType: dataType}
	if len(m.queue.Pending(dataType)) > 0 && !m.conflictOpen(dataType) {
		err := m.pushSnapshot(ctx, dataType)
		switch {
		case err == nil:
			tr.Pushed = true
		case errors.Is(err, ErrConflict):
			tr.PushConflict = true
		default:
			return tr, err
		}
	}
	err := m.pullAndSettle(ctx, dataType, &tr)
	return tr, err
}

// pullAndSettle pulls dataType and pushes the local copy when the pull
// decided it should replace the remote one.
func (m *Manager) pullAndSettle(ctx context.Context, dataType string, tr *TypeResult) error {
	pr, err := m.pull(ctx, dataType)
	tr.Pull = pr
	if err != nil {
		return err
	}
	if pr.NeedsPush {
		err := m.pushSnapshot(ctx, dataType)
		switch {
		case err == nil:
			tr.Pushed = true
		case errors.Is(err, ErrConflict):
			// The remote moved again; the next tick reconciles.
			tr.PushConflict = true
		default:
			return err
		}
	}
	return nil
}

func (m *Manager) pushSnapshot(ctx context.Context, dataType string) error {
	payload, localTime, err := m.source.SyncSnapshot(dataType)
	if err != nil {
		return err
	}
	if localTime.IsZero() {
		localTime = m.clock.Now().UTC()
	}
	return m.pushPending(ctx, dataType, payload, localTime)
}

// pushPending pushes and settles the pending changes of dataType that existed
// before the push started.
func (m *Manager) pushPending(ctx context.Context, dataType string, payload json.RawMessage, localTime time.Time) error {
	pending := m.queue.Pending(dataType)
	err := m.push(ctx, dataType, payload, localTime)
	if err == nil {
		if len(pending) > 0 {
			through := pending[0].Timestamp
			for _, c := range pending[1:] {
				if c.Timestamp.After(through) {
					through = c.Timestamp
				}
			}
			if _, markErr := m.queue.MarkSyncedThrough(ctx, dataType, through); markErr != nil {
				m.logger.Warn("failed to settle pending changes", zap.String("data_type", dataType), zap.Error(markErr))
			}
		}
		return nil
	}
	if !errors.Is(err, ErrConflict) && len(pending) > 0 {
		ids := make([]string, 0, len(pending))
		for _, c := range pending {
			ids = append(ids, c.ID)
		}
		if attemptErr := m.queue.RecordAttempt(ctx, ids...); attemptErr != nil {
			m.logger.Warn("failed to record sync attempt", zap.String("data_type", dataType), zap.Error(attemptErr))
		}
	}
	return err
}

func (m *Manager) push(ctx context.Context, dataType string, payload json.RawMessage, localTime time.Time) error {
	const op = "syncmgr.push"
	userID, fingerprint := m.identity()
	settings := m.Settings()
	env := Envelope{
		Schema:          SchemaInfo{Version: SchemaVersion, DataType: dataType},
		UserID:          userID,
		UserFingerprint: fingerprint,
		SyncMeta: SyncMeta{
			LocalTimestamp: localTime.UTC(),
			DeviceID:       m.deviceID,
			AppVersion:     settings.AppVersion,
			BaseTimestamp:  m.baseFor(dataType),
		},
	}
	codec := Codec{Compress: settings.Compress, Passphrase: settings.Passphrase}
	if err := codec.Seal(&env, payload); err != nil {
		return errs.Wrap(errs.KindInternal, op, err)
	}

	err := m.call(ctx, func(ctx context.Context, c RemoteClient) error {
		return c.Push(ctx, dataType, env)
	})
	switch {
	case err == nil:
		m.setRemoteSeen(dataType, env.SyncMeta.LocalTimestamp)
		m.metrics.ObserveSync(dataType, "push", "success")
		m.logger.Debug("pushed", zap.String("data_type", dataType), zap.Time("local_timestamp", env.SyncMeta.LocalTimestamp))
		return nil
	case errors.Is(err, ErrConflict):
		m.metrics.ObserveSync(dataType, "push", "conflict")
		m.logger.Info("remote moved past base; pull will reconcile", zap.String("data_type", dataType))
		return errs.Wrap(errs.KindConflict, op, err)
	default:
		m.metrics.ObserveSync(dataType, "push", "error")
		m.logger.Warn("push failed", zap.String("data_type", dataType), zap.Error(err))
		return errs.Wrap(errs.KindNetwork, op, err)
	}
}

func (m *Manager) requireEnabled(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return errs.New(errs.KindInitialization, op, "sync endpoint not configured")
	}
	return nil
}

func (m *Manager) remote() (RemoteClient, *gobreaker.CircuitBreaker, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client, m.breaker, m.settings.Timeout
}

// call runs fn against the remote client behind the circuit breaker with the
// configured per-request timeout.
func (m *Manager) call(ctx context.Context, fn func(context.Context, RemoteClient) error) error {
	client, breaker, timeout := m.remote()
	if client == nil {
		return errs.New(errs.KindInitialization, "syncmgr.call", "sync endpoint not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := breaker.Execute(func() (any, error) {
		return nil, fn(ctx, client)
	})
	return err
}

func (m *Manager) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync-remote",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrConflict) {
				return true
			}
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				return !httpErr.Transient()
			}
			return false
		},
	})
}

func (m *Manager) breakerOpen() bool {
	_, breaker, _ := m.remote()
	return breaker != nil && breaker.State() == gobreaker.StateOpen
}

func (m *Manager) caller() Caller {
	userID, _ := m.identity()
	return Caller{UserID: userID, DeviceID: m.deviceID}
}

func (m *Manager) baseFor(dataType string) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.remoteSeen[dataType]
	if !ok {
		return nil
	}
	return &t
}

func (m *Manager) setRemoteSeen(dataType string, t time.Time) {
	m.mu.Lock()
	m.remoteSeen[dataType] = t.UTC()
	m.mu.Unlock()
}

// recordOutcome folds one sync operation into the state and stats.
func (m *Manager) recordOutcome(err error, conflicts int) {
	now := m.clock.Now().UTC()
	m.updateState(func(st *State) {
		st.Stats.TotalSyncs++
		switch {
		case err != nil && !isConflict(err):
			st.Stats.FailedSyncs++
			st.Status = StatusError
			st.LastError = err.Error()
		case conflicts > 0 || err != nil:
			st.Stats.SuccessfulSyncs++
			st.Status = StatusConflict
			st.LastError = ""
			st.LastSyncTime = now
		default:
			st.Stats.SuccessfulSyncs++
			st.Status = StatusSuccess
			st.LastError = ""
			st.LastSyncTime = now
		}
	})
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnresolved)
}

func (m *Manager) setStatusLocked(status Status, lastError string) State {
	m.state.Status = status
	m.state.LastError = lastError
	return m.state
}

func (m *Manager) updateState(fn func(*State)) {
	m.mu.Lock()
	before := m.state
	fn(&m.state)
	after := m.state
	m.mu.Unlock()
	if before != after {
		m.notify(after)
	}
}
