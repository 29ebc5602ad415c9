package syncmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/errs"
)

// ErrUnresolved marks a data type whose prompt_user conflict has not been
// resolved yet. Nothing is pushed or pulled for it until then.
var ErrUnresolved = errors.New("conflict awaiting resolution")

type PullOutcome string

const (
	OutcomeNoRemote         PullOutcome = "no_remote"
	OutcomeUpToDate         PullOutcome = "up_to_date"
	OutcomeApplied          PullOutcome = "applied"
	OutcomeKeptLocal        PullOutcome = "kept_local"
	OutcomeConflictResolved PullOutcome = "conflict_resolved"
	OutcomeConflictPending  PullOutcome = "conflict_pending"
)

type PullResult struct {
	DataType        string      `json:"dataType"`
	Outcome         PullOutcome `json:"outcome"`
	LocalTimestamp  time.Time   `json:"localTimestamp"`
	RemoteTimestamp time.Time   `json:"remoteTimestamp"`
	Conflict        bool        `json:"conflict,omitempty"`
	Strategy        Strategy    `json:"strategy,omitempty"`
	// MigratedFrom is the remote schema version when it was older than ours.
	MigratedFrom *int `json:"migratedFrom,omitempty"`
	// NeedsPush is set when the local copy should replace the remote one.
	NeedsPush bool `json:"needsPush,omitempty"`
}

// Conflict carries two divergent copies to a ConflictHandler. Resolve applies
// the chosen document locally and pushes it; it fails once the conflict was
// settled another way.
type Conflict struct {
	DataType   string
	Local      json.RawMessage
	Remote     json.RawMessage
	LocalTime  time.Time
	RemoteTime time.Time
	Resolve    func(ctx context.Context, chosen json.RawMessage) error
}

type ConflictHandler interface {
	HandleConflict(Conflict)
}

type ConflictHandlerFunc func(Conflict)

func (f ConflictHandlerFunc) HandleConflict(c Conflict) {
	f(c)
}

type openConflict struct {
	id         uint64
	remoteTime time.Time
}

func (m *Manager) conflictOpen(dataType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[dataType]
	return ok
}

func (m *Manager) openConflictFor(dataType string, remoteTime time.Time) uint64 {
	m.mu.Lock()
	m.conflictID++
	id := m.conflictID
	m.open[dataType] = openConflict{id: id, remoteTime: remoteTime}
	open := len(m.open)
	m.mu.Unlock()
	m.updateState(func(st *State) { st.Unresolved = open })
	return id
}

func (m *Manager) pull(ctx context.Context, dataType string) (PullResult, error) {
	const op = "syncmgr.pull"
	res := PullResult{DataType: dataType}
	if m.conflictOpen(dataType) {
		res.Outcome = OutcomeConflictPending
		res.Conflict = true
		res.Strategy = PromptUser
		return res, nil
	}

	var env Envelope
	var found bool
	err := m.call(ctx, func(ctx context.Context, c RemoteClient) error {
		var err error
		env, found, err = c.Pull(ctx, dataType)
		return err
	})
	if err != nil {
		m.metrics.ObserveSync(dataType, "pull", "error")
		m.logger.Warn("pull failed", zap.String("data_type", dataType), zap.Error(err))
		return res, errs.Wrap(errs.KindNetwork, op, err)
	}

	localRaw, localTime, err := m.source.SyncSnapshot(dataType)
	if err != nil {
		return res, err
	}
	res.LocalTimestamp = localTime
	if !found {
		res.Outcome = OutcomeNoRemote
		res.NeedsPush = true
		m.metrics.ObserveSync(dataType, "pull", "empty")
		return res, nil
	}

	settings := m.Settings()
	remoteRaw, err := Codec{Passphrase: settings.Passphrase}.Open(env)
	if err != nil {
		m.metrics.ObserveSync(dataType, "pull", "error")
		return res, errs.Wrap(errs.KindValidation, op, err)
	}
	if env.Schema.Version < SchemaVersion {
		v := env.Schema.Version
		res.MigratedFrom = &v
		m.logger.Info("remote envelope uses an older schema",
			zap.String("data_type", dataType),
			zap.Int("version", v),
		)
	}
	remoteTime := env.SyncMeta.LocalTimestamp
	res.RemoteTimestamp = remoteTime

	switch {
	case jsonEqual(localRaw, remoteRaw):
		res.Outcome = OutcomeUpToDate
	case localTime.IsZero():
		err = m.apply(ctx, dataType, remoteRaw, remoteTime)
		res.Outcome = OutcomeApplied
	case absDuration(remoteTime.Sub(localTime)) > settings.DivergenceThreshold:
		err = m.resolve(ctx, &res, settings.Strategy, localRaw, remoteRaw, localTime, remoteTime)
	case remoteTime.After(localTime):
		err = m.apply(ctx, dataType, remoteRaw, remoteTime)
		res.Outcome = OutcomeApplied
	default:
		res.Outcome = OutcomeKeptLocal
		res.NeedsPush = true
	}
	if res.Outcome != OutcomeConflictPending {
		// An open conflict keeps the old base so a later push cannot
		// overwrite the remote copy before someone chooses.
		m.setRemoteSeen(dataType, remoteTime)
	}
	if err != nil {
		m.metrics.ObserveSync(dataType, "pull", "error")
		return res, err
	}
	m.metrics.ObserveSync(dataType, "pull", string(res.Outcome))
	return res, nil
}

// resolve handles copies whose timestamps diverge past the threshold.
func (m *Manager) resolve(ctx context.Context, res *PullResult, strategy Strategy, local, remote json.RawMessage, localTime, remoteTime time.Time) error {
	res.Conflict = true
	res.Strategy = strategy
	m.metrics.ObserveConflict(string(strategy))
	m.logger.Info("sync conflict",
		zap.String("data_type", res.DataType),
		zap.String("strategy", string(strategy)),
		zap.Time("local", localTime),
		zap.Time("remote", remoteTime),
	)

	switch strategy {
	case LocalWins:
		res.Outcome = OutcomeConflictResolved
		res.NeedsPush = true
	case RemoteWins:
		if err := m.apply(ctx, res.DataType, remote, remoteTime); err != nil {
			return err
		}
		res.Outcome = OutcomeConflictResolved
	case PromptUser:
		res.Outcome = OutcomeConflictPending
		dataType := res.DataType
		id := m.openConflictFor(dataType, remoteTime)
		if m.conflicts == nil {
			m.logger.Warn("no conflict handler registered; conflict stays open until the strategy changes",
				zap.String("data_type", dataType))
			return nil
		}
		m.conflicts.HandleConflict(Conflict{
			DataType:   dataType,
			Local:      append(json.RawMessage(nil), local...),
			Remote:     append(json.RawMessage(nil), remote...),
			LocalTime:  localTime,
			RemoteTime: remoteTime,
			Resolve: func(ctx context.Context, chosen json.RawMessage) error {
				return m.resolveWith(ctx, dataType, id, chosen)
			},
		})
		return nil
	default:
		merged, err := MergeDocuments(local, remote, localTime, remoteTime)
		if err != nil {
			return errs.Wrap(errs.KindValidation, "syncmgr.merge", err)
		}
		if err := m.apply(ctx, res.DataType, merged, m.clock.Now().UTC()); err != nil {
			return err
		}
		res.Outcome = OutcomeConflictResolved
		res.NeedsPush = true
	}
	m.updateState(func(st *State) { st.Stats.ConflictsResolved++ })
	return nil
}

// resolveWith finishes a prompt_user conflict with the collaborator's choice.
// The push is based on the remote copy the conflict was raised against.
func (m *Manager) resolveWith(ctx context.Context, dataType string, id uint64, chosen json.RawMessage) error {
	const op = "syncmgr.resolve"
	m.mu.Lock()
	oc, ok := m.open[dataType]
	m.mu.Unlock()
	if !ok || oc.id != id {
		return errs.New(errs.KindConflict, op, "conflict for "+dataType+" is no longer open")
	}
	if err := m.apply(ctx, dataType, chosen, m.clock.Now().UTC()); err != nil {
		return err
	}
	m.setRemoteSeen(dataType, oc.remoteTime)
	m.mu.Lock()
	delete(m.open, dataType)
	left := len(m.open)
	m.mu.Unlock()

	// A failed push leaves the pending changes for the next sync, which
	// now pushes against the same base.
	err := m.pushSnapshot(ctx, dataType)
	m.updateState(func(st *State) {
		st.Stats.ConflictsResolved++
		st.Unresolved = left
		if err == nil && st.Status == StatusConflict && left == 0 {
			st.Status = StatusSuccess
		}
	})
	return err
}

func (m *Manager) apply(ctx context.Context, dataType string, payload json.RawMessage, at time.Time) error {
	if err := m.source.ApplyRemote(ctx, dataType, payload, at); err != nil {
		m.logger.Warn("failed to apply remote state", zap.String("data_type", dataType), zap.Error(err))
		return err
	}
	return nil
}

func jsonEqual(a, b json.RawMessage) bool {
	av, err := decodeValue(a)
	if err != nil {
		return false
	}
	bv, err := decodeValue(b)
	if err != nil {
		return false
	}
	return bytes.Equal(canonical(av), canonical(bv))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
