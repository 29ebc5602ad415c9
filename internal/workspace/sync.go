package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/errs"
)

// DataTypes lists the synchronized data types in apply order: workspaces
// before content, so content for a newly arrived workspace is not dropped as
// an orphan.
func (s *Store) DataTypes() []string {
	return []string{KeyWorkspaces, KeyContent, KeyPreferences}
}

// SyncSnapshot returns the JSON document for dataType and the time it was
// last modified locally.
func (s *Store) SyncSnapshot(dataType string) (json.RawMessage, time.Time, error) {
	const op = "workspace.sync_snapshot"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(op); err != nil {
		return nil, time.Time{}, err
	}
	if !knownDataType(dataType) {
		return nil, time.Time{}, errs.Validation(op, "unknown data type "+dataType)
	}
	raw, err := json.Marshal(s.docLocked(dataType))
	if err != nil {
		return nil, time.Time{}, errs.Wrap(errs.KindInternal, op, err)
	}
	return raw, s.modified[dataType], nil
}

// ApplyRemote replaces the local document for dataType with payload, repairs
// the structural invariants and persists immediately. Remote state is not
// recorded as a pending change.
func (s *Store) ApplyRemote(ctx context.Context, dataType string, payload json.RawMessage, remoteTime time.Time) error {
	const op = "workspace.apply_remote"
	if !knownDataType(dataType) {
		return errs.Validation(op, "unknown data type "+dataType)
	}

	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	undo := s.checkpointLocked()
	if err := s.decodeRemoteLocked(dataType, payload); err != nil {
		undo()
		s.mu.Unlock()
		return errs.Wrap(errs.KindValidation, op, err)
	}
	previousActive := s.activeID
	_, created := s.repairLocked()
	if remoteTime.IsZero() {
		remoteTime = s.clock.Now()
	}
	s.modified[dataType] = remoteTime.UTC()
	keys := []string{dataType}
	if dataType != KeyPreferences {
		keys = []string{KeyWorkspaces, KeyContent}
	}
	if err := s.persistLocked(ctx, immediate, keys...); err != nil {
		undo()
		s.mu.Unlock()
		return err
	}
	events := []Event{{Type: EventRemoteApplied, DataType: dataType, Time: s.clock.Now().UTC()}}
	if created != nil {
		events = append(events, s.event(EventWorkspaceCreated, created))
	}
	if s.activeID != previousActive {
		if idx := s.indexLocked(s.activeID); idx >= 0 {
			active := s.workspaces[idx].clone()
			events = append(events, s.event(EventActiveChanged, &active))
		}
	}
	count := len(s.workspaces)
	s.mu.Unlock()

	s.logger.Info("applied remote state",
		zap.String("data_type", dataType),
		zap.Time("remote_time", remoteTime),
		zap.Int("workspaces", count),
	)
	s.emit(events...)
	return nil
}

func (s *Store) decodeRemoteLocked(dataType string, payload json.RawMessage) error {
	switch dataType {
	case KeyWorkspaces:
		var doc workspacesDoc
		if err := json.Unmarshal(payload, &doc); err != nil {
			return fmt.Errorf("decode workspaces: %w", err)
		}
		s.workspaces = doc.Workspaces
		// The active pointer is per device; keep ours while it still exists.
		if s.indexLocked(s.activeID) < 0 {
			s.activeID = doc.ActiveID
		}
	case KeyContent:
		content := map[string]ContentGraph{}
		if err := json.Unmarshal(payload, &content); err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
		for id, graph := range content {
			if err := validateGraph("workspace.apply_remote", graph.Nodes, graph.Edges); err != nil {
				return fmt.Errorf("content for %s: %w", id, err)
			}
			graph.Viewport = normalizeViewport(graph.Viewport)
			content[id] = graph.clone()
		}
		s.content = content
	case KeyPreferences:
		var prefs Preferences
		if err := json.Unmarshal(payload, &prefs); err != nil {
			return fmt.Errorf("decode preferences: %w", err)
		}
		if err := validate.Struct(prefs); err != nil {
			return err
		}
		s.prefs = prefs
	}
	return nil
}

func knownDataType(dataType string) bool {
	switch dataType {
	case KeyWorkspaces, KeyContent, KeyPreferences:
		return true
	}
	return false
}
