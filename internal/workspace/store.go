// Package workspace is the domain facade over boards and their content
// graphs. It is the only mutator of that state; everything it hands out is a
// copy.
package workspace

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/changes"
	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/scheduler"
	"github.com/agentworkforce/boardsync/internal/storage"
)

const (
	ContentWriteDebounced = "debounced"
	ContentWriteImmediate = "immediate"

	DefaultWorkspaceName = "My Board"
)

// Persister is the durable medium behind the Store.
type Persister interface {
	scheduler.Writer
	Retrieve(ctx context.Context, key string, dst any) (storage.Envelope, error)
}

type Store struct {
	persister   Persister
	scheduler   *scheduler.Scheduler
	tracker     *changes.Tracker
	owner       func() string
	clock       clock.Clock
	logger      *zap.Logger
	contentMode string
	defaultName string

	mu          sync.Mutex
	initialized bool
	workspaces  []Workspace
	activeID    string
	content     map[string]ContentGraph
	prefs       Preferences
	modified    map[string]time.Time

	lmu          sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64
}

type Option func(*Store)

func WithScheduler(s *scheduler.Scheduler) Option {
	return func(st *Store) { st.scheduler = s }
}

func WithTracker(t *changes.Tracker) Option {
	return func(st *Store) { st.tracker = t }
}

// WithOwner supplies the owner id stamped on new workspaces.
func WithOwner(owner func() string) Option {
	return func(st *Store) {
		if owner != nil {
			st.owner = owner
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(st *Store) {
		if c != nil {
			st.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(st *Store) { st.logger = logging.OrNop(logger) }
}

// WithContentWriteMode selects how SaveContent persists: ContentWriteDebounced
// (the default) or ContentWriteImmediate.
func WithContentWriteMode(mode string) Option {
	return func(st *Store) {
		if mode == ContentWriteImmediate || mode == ContentWriteDebounced {
			st.contentMode = mode
		}
	}
}

func WithDefaultName(name string) Option {
	return func(st *Store) {
		if name != "" {
			st.defaultName = name
		}
	}
}

func New(persister Persister, opts ...Option) *Store {
	s := &Store{
		persister:   persister,
		owner:       func() string { return "" },
		clock:       clock.Real(),
		logger:      zap.NewNop(),
		contentMode: ContentWriteDebounced,
		defaultName: DefaultWorkspaceName,
		content:     map[string]ContentGraph{},
		modified:    map[string]time.Time{},
		listeners:   map[uint64]Listener{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	immediate       = scheduler.Options{Immediate: true}
	debouncedHigh   = scheduler.Options{Priority: scheduler.PriorityHigh}
	debouncedMedium = scheduler.Options{Priority: scheduler.PriorityMedium}
)

// Initialize loads persisted state and repairs it so that at least one
// workspace exists, the active pointer is valid, and every workspace has
// exactly one content graph.
func (s *Store) Initialize(ctx context.Context) error {
	const op = "workspace.initialize"
	var doc workspacesDoc
	wsEnv, err := s.persister.Retrieve(ctx, KeyWorkspaces, &doc)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return errs.Wrap(errs.KindInitialization, op, err)
	}
	content := map[string]ContentGraph{}
	contentEnv, err := s.persister.Retrieve(ctx, KeyContent, &content)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return errs.Wrap(errs.KindInitialization, op, err)
	}
	var prefs Preferences
	prefsEnv, err := s.persister.Retrieve(ctx, KeyPreferences, &prefs)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return errs.Wrap(errs.KindInitialization, op, err)
	}

	s.mu.Lock()
	s.workspaces = doc.Workspaces
	s.activeID = doc.ActiveID
	s.content = content
	if s.content == nil {
		s.content = map[string]ContentGraph{}
	}
	s.prefs = prefs
	s.modified = map[string]time.Time{
		KeyWorkspaces:  wsEnv.LastModified,
		KeyContent:     contentEnv.LastModified,
		KeyPreferences: prefsEnv.LastModified,
	}
	var events []Event
	repaired, created := s.repairLocked()
	if created != nil {
		events = append(events, s.event(EventWorkspaceCreated, created))
	}
	if repaired {
		now := s.clock.Now().UTC()
		s.modified[KeyWorkspaces] = now
		s.modified[KeyContent] = now
		if err := s.persistLocked(ctx, immediate, KeyWorkspaces, KeyContent); err != nil {
			s.mu.Unlock()
			return errs.Wrap(errs.KindInitialization, op, err)
		}
	}
	s.initialized = true
	count := len(s.workspaces)
	s.mu.Unlock()

	s.logger.Info("workspace store initialized",
		zap.Int("workspaces", count),
		zap.Bool("repaired", repaired),
	)
	s.emit(events...)
	return nil
}

// repairLocked enforces the structural invariants and reports whether
// anything changed, plus the default workspace it created, if any.
func (s *Store) repairLocked() (bool, *Workspace) {
	changed := false
	seen := map[string]struct{}{}
	kept := s.workspaces[:0:0]
	for _, ws := range s.workspaces {
		if ws.ID == "" {
			changed = true
			continue
		}
		if _, dup := seen[ws.ID]; dup {
			changed = true
			continue
		}
		seen[ws.ID] = struct{}{}
		kept = append(kept, ws)
	}
	s.workspaces = kept

	var created *Workspace
	if len(s.workspaces) == 0 {
		ws := s.newWorkspaceLocked(s.defaultName)
		s.workspaces = append(s.workspaces, ws)
		s.content[ws.ID] = EmptyGraph()
		s.activeID = ws.ID
		created = &ws
		changed = true
	}
	if s.indexLocked(s.activeID) < 0 {
		s.activeID = s.workspaces[0].ID
		changed = true
	}
	for i := range s.workspaces {
		id := s.workspaces[i].ID
		graph, ok := s.content[id]
		if !ok {
			s.content[id] = EmptyGraph()
			changed = true
			continue
		}
		if s.workspaces[i].Metadata.NodeCount != len(graph.Nodes) {
			s.workspaces[i].Metadata.NodeCount = len(graph.Nodes)
			changed = true
		}
	}
	for id := range s.content {
		if _, ok := seen[id]; !ok && (created == nil || created.ID != id) {
			delete(s.content, id)
			s.logger.Warn("dropped orphan content graph", zap.String("workspace_id", id))
			changed = true
		}
	}
	return changed, created
}

func (s *Store) CreateWorkspace(ctx context.Context, name string) (Workspace, error) {
	const op = "workspace.create"
	name, err := normalizeName(op, name)
	if err != nil {
		return Workspace{}, err
	}
	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return Workspace{}, err
	}
	undo := s.checkpointLocked()
	ws := s.newWorkspaceLocked(name)
	previousActive := s.activeID
	s.workspaces = append(s.workspaces, ws)
	s.content[ws.ID] = EmptyGraph()
	s.activeID = ws.ID
	s.touchLocked(KeyWorkspaces, KeyContent)
	if err := s.persistLocked(ctx, immediate, KeyWorkspaces, KeyContent); err != nil {
		undo()
		s.mu.Unlock()
		return Workspace{}, err
	}
	s.trackLocked(ctx, KeyWorkspaces, changes.OpCreate, ws, ws.ID)
	s.mu.Unlock()

	events := []Event{s.event(EventWorkspaceCreated, &ws)}
	if previousActive != ws.ID {
		events = append(events, s.event(EventActiveChanged, &ws))
	}
	s.emit(events...)
	return ws.clone(), nil
}

func (s *Store) RenameWorkspace(ctx context.Context, id, name string) (Workspace, error) {
	const op = "workspace.rename"
	name, err := normalizeName(op, name)
	if err != nil {
		return Workspace{}, err
	}
	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return Workspace{}, err
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return Workspace{}, errs.NotFound(op, "workspace "+id)
	}
	undo := s.checkpointLocked()
	s.workspaces[idx].Name = name
	s.workspaces[idx].LastModified = s.clock.Now().UTC()
	s.touchLocked(KeyWorkspaces)
	if err := s.persistLocked(ctx, immediate, KeyWorkspaces); err != nil {
		undo()
		s.mu.Unlock()
		return Workspace{}, err
	}
	ws := s.workspaces[idx].clone()
	s.trackLocked(ctx, KeyWorkspaces, changes.OpUpdate, ws, ws.ID)
	s.mu.Unlock()

	s.emit(s.event(EventWorkspaceRenamed, &ws))
	return ws, nil
}

// DeleteWorkspace removes a workspace and its graph. Deleting the active
// workspace activates the first remaining one, or a new default workspace
// when none remain.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	const op = "workspace.delete"
	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return errs.NotFound(op, "workspace "+id)
	}
	undo := s.checkpointLocked()
	removed := s.workspaces[idx].clone()
	s.workspaces = append(s.workspaces[:idx:idx], s.workspaces[idx+1:]...)
	delete(s.content, id)

	events := []Event{s.event(EventWorkspaceDeleted, &removed)}
	var created *Workspace
	if len(s.workspaces) == 0 {
		ws := s.newWorkspaceLocked(s.defaultName)
		s.workspaces = append(s.workspaces, ws)
		s.content[ws.ID] = EmptyGraph()
		created = &ws
		events = append(events, s.event(EventWorkspaceCreated, &ws))
	}
	if s.activeID == id {
		s.activeID = s.workspaces[0].ID
		s.workspaces[0].Metadata.LastAccessed = s.clock.Now().UTC()
		next := s.workspaces[0].clone()
		events = append(events, s.event(EventActiveChanged, &next))
	}
	s.touchLocked(KeyWorkspaces, KeyContent)
	if err := s.persistLocked(ctx, immediate, KeyWorkspaces, KeyContent); err != nil {
		undo()
		s.mu.Unlock()
		return err
	}
	s.trackLocked(ctx, KeyWorkspaces, changes.OpDelete, removed, removed.ID)
	if created != nil {
		s.trackLocked(ctx, KeyWorkspaces, changes.OpCreate, *created, created.ID)
	}
	s.mu.Unlock()

	s.emit(events...)
	return nil
}

func (s *Store) SetActiveWorkspace(ctx context.Context, id string) (Workspace, error) {
	const op = "workspace.set_active"
	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return Workspace{}, err
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return Workspace{}, errs.NotFound(op, "workspace "+id)
	}
	undo := s.checkpointLocked()
	s.activeID = id
	s.workspaces[idx].Metadata.LastAccessed = s.clock.Now().UTC()
	s.touchLocked(KeyWorkspaces)
	if err := s.persistLocked(ctx, debouncedMedium, KeyWorkspaces); err != nil {
		undo()
		s.mu.Unlock()
		return Workspace{}, err
	}
	ws := s.workspaces[idx].clone()
	s.trackLocked(ctx, KeyWorkspaces, changes.OpUpdate, ws, ws.ID)
	s.mu.Unlock()

	s.emit(s.event(EventActiveChanged, &ws))
	return ws, nil
}

// SaveContent replaces the content graph of workspace id. This is the typing
// hot path: in debounced mode bursts collapse into one write of the latest
// graph.
func (s *Store) SaveContent(ctx context.Context, id string, nodes []Node, edges []Edge, viewport Viewport) error {
	const op = "workspace.save_content"
	if err := validateGraph(op, nodes, edges); err != nil {
		return err
	}
	graph := ContentGraph{Nodes: nodes, Edges: edges, Viewport: normalizeViewport(viewport)}.clone()

	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return errs.NotFound(op, "workspace "+id)
	}
	undo := s.checkpointLocked()
	s.content[id] = graph
	s.workspaces[idx].Metadata.NodeCount = len(graph.Nodes)
	s.workspaces[idx].LastModified = s.clock.Now().UTC()
	s.touchLocked(KeyWorkspaces, KeyContent)

	contentOpts := debouncedHigh
	if s.contentMode == ContentWriteImmediate {
		contentOpts = immediate
	}
	if err := s.persistLocked(ctx, contentOpts, KeyContent); err != nil {
		undo()
		s.mu.Unlock()
		return err
	}
	if err := s.persistLocked(ctx, debouncedMedium, KeyWorkspaces); err != nil {
		s.logger.Warn("workspace metadata save failed", zap.String("workspace_id", id), zap.Error(err))
	}
	s.trackLocked(ctx, KeyContent, changes.OpUpdate, contentChange{WorkspaceID: id, Graph: graph}, id)
	ws := s.workspaces[idx].clone()
	s.mu.Unlock()

	s.emit(s.event(EventContentUpdated, &ws))
	return nil
}

type contentChange struct {
	WorkspaceID string       `json:"workspaceId"`
	Graph       ContentGraph `json:"graph"`
}

// GetContent returns a copy of the graph of a known workspace, or an empty
// graph when none has been saved yet.
func (s *Store) GetContent(id string) (ContentGraph, error) {
	const op = "workspace.get_content"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(op); err != nil {
		return ContentGraph{}, err
	}
	if s.indexLocked(id) < 0 {
		return ContentGraph{}, errs.NotFound(op, "workspace "+id)
	}
	graph, ok := s.content[id]
	if !ok {
		return EmptyGraph(), nil
	}
	return graph.clone(), nil
}

func (s *Store) Workspaces() []Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, ws.clone())
	}
	return out
}

func (s *Store) Workspace(id string) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return Workspace{}, errs.NotFound("workspace.get", "workspace "+id)
	}
	return s.workspaces[idx].clone(), nil
}

func (s *Store) ActiveWorkspace() (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked("workspace.active"); err != nil {
		return Workspace{}, err
	}
	idx := s.indexLocked(s.activeID)
	if idx < 0 {
		return Workspace{}, errs.NotFound("workspace.active", "active workspace")
	}
	return s.workspaces[idx].clone(), nil
}

func (s *Store) UpdateMetadata(ctx context.Context, id string, update MetadataUpdate) (Workspace, error) {
	const op = "workspace.update_metadata"
	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return Workspace{}, err
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return Workspace{}, errs.NotFound(op, "workspace "+id)
	}
	undo := s.checkpointLocked()
	meta := &s.workspaces[idx].Metadata
	if update.Tags != nil {
		meta.Tags = normalizeTags(*update.Tags)
	}
	if update.IsArchived != nil {
		meta.IsArchived = *update.IsArchived
	}
	if update.IsPrivate != nil {
		meta.IsPrivate = *update.IsPrivate
	}
	s.workspaces[idx].LastModified = s.clock.Now().UTC()
	s.touchLocked(KeyWorkspaces)
	if err := s.persistLocked(ctx, immediate, KeyWorkspaces); err != nil {
		undo()
		s.mu.Unlock()
		return Workspace{}, err
	}
	ws := s.workspaces[idx].clone()
	s.trackLocked(ctx, KeyWorkspaces, changes.OpUpdate, ws, ws.ID)
	s.mu.Unlock()

	s.emit(s.event(EventWorkspaceUpdated, &ws))
	return ws, nil
}

func (s *Store) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJSON(s.prefs)
}

func (s *Store) SetPreferences(ctx context.Context, prefs Preferences) (Preferences, error) {
	const op = "workspace.set_preferences"
	if err := validate.Struct(prefs); err != nil {
		return Preferences{}, errs.Wrap(errs.KindValidation, op, err)
	}
	prefs = cloneJSON(prefs)
	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return Preferences{}, err
	}
	undo := s.checkpointLocked()
	s.prefs = prefs
	s.touchLocked(KeyPreferences)
	if err := s.persistLocked(ctx, immediate, KeyPreferences); err != nil {
		undo()
		s.mu.Unlock()
		return Preferences{}, err
	}
	s.trackLocked(ctx, KeyPreferences, changes.OpUpdate, prefs, "")
	s.mu.Unlock()

	s.emit(Event{Type: EventPreferencesUpdated, Time: s.clock.Now().UTC()})
	return cloneJSON(prefs), nil
}

// Flush forces pending debounced writes to storage.
func (s *Store) Flush(ctx context.Context) error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Flush(ctx)
}

func (s *Store) readyLocked(op string) error {
	if !s.initialized {
		return errs.New(errs.KindInitialization, op, "workspace store not initialized")
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, ws := range s.workspaces {
		if ws.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) newWorkspaceLocked(name string) Workspace {
	now := s.clock.Now().UTC()
	return Workspace{
		ID:           uuid.NewString(),
		Name:         name,
		CreatedAt:    now,
		LastModified: now,
		OwnerID:      s.owner(),
		Metadata: Metadata{
			LastAccessed: now,
			Tags:         []string{},
		},
	}
}

// checkpointLocked captures the mutable state so a failed immediate write can
// be rolled back.
func (s *Store) checkpointLocked() func() {
	workspaces := make([]Workspace, len(s.workspaces))
	for i, ws := range s.workspaces {
		workspaces[i] = ws.clone()
	}
	content := make(map[string]ContentGraph, len(s.content))
	for id, g := range s.content {
		content[id] = g
	}
	activeID := s.activeID
	prefs := s.prefs
	modified := make(map[string]time.Time, len(s.modified))
	for k, v := range s.modified {
		modified[k] = v
	}
	return func() {
		s.workspaces = workspaces
		s.content = content
		s.activeID = activeID
		s.prefs = prefs
		s.modified = modified
	}
}

func (s *Store) touchLocked(keys ...string) {
	now := s.clock.Now().UTC()
	for _, key := range keys {
		s.modified[key] = now
	}
}

func (s *Store) docLocked(key string) any {
	switch key {
	case KeyWorkspaces:
		return workspacesDoc{Workspaces: s.workspaces, ActiveID: s.activeID}
	case KeyContent:
		return s.content
	default:
		return s.prefs
	}
}

// persistLocked hands each key's current document to the scheduler. The
// scheduler snapshots synchronously, so passing live state is safe under s.mu.
func (s *Store) persistLocked(ctx context.Context, opts scheduler.Options, keys ...string) error {
	for _, key := range keys {
		if err := scheduler.Persist(ctx, s.scheduler, s.persister, key, s.docLocked(key), opts); err != nil {
			return err
		}
	}
	return nil
}

// trackLocked records a pending change. A tracker failure does not undo the
// local mutation, which is already durable.
func (s *Store) trackLocked(ctx context.Context, dataType string, op changes.Operation, payload any, workspaceID string) {
	if s.tracker == nil {
		return
	}
	var meta map[string]any
	if workspaceID != "" {
		meta = map[string]any{"workspaceId": workspaceID}
	}
	if _, err := s.tracker.Track(ctx, dataType, op, payload, meta); err != nil {
		s.logger.Warn("failed to record pending change",
			zap.String("data_type", dataType),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
	}
}

func (s *Store) event(t EventType, ws *Workspace) Event {
	e := Event{Type: t, Time: s.clock.Now().UTC()}
	if ws != nil {
		c := ws.clone()
		e.Workspace = &c
		e.WorkspaceID = c.ID
	}
	return e
}

var validate = validator.New()
