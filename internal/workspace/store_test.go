package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/boardsync/internal/changes"
	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/scheduler"
	"github.com/agentworkforce/boardsync/internal/storage"
)

// countingBackend counts physical writes per key and can be told to fail them.
type countingBackend struct {
	*storage.MemoryBackend
	mu     sync.Mutex
	puts   map[string]int
	failOn map[string]bool
}

func newCountingBackend() *countingBackend {
	return &countingBackend{
		MemoryBackend: storage.NewMemoryBackend(),
		puts:          map[string]int{},
		failOn:        map[string]bool{},
	}
}

func (b *countingBackend) Put(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	if b.failOn[key] {
		b.mu.Unlock()
		return errors.New("disk full")
	}
	b.puts[key]++
	b.mu.Unlock()
	return b.MemoryBackend.Put(ctx, key, value)
}

func (b *countingBackend) count(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts[key]
}

func (b *countingBackend) fail(key string, on bool) {
	b.mu.Lock()
	b.failOn[key] = on
	b.mu.Unlock()
}

type harness struct {
	store   *Store
	backend *countingBackend
	persist *storage.Store
	sched   *scheduler.Scheduler
	tracker *changes.Tracker
	clock   *clock.Fake
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{backend: newCountingBackend(), clock: clock.NewFake(time.Time{})}
	h.persist = storage.NewStore(h.backend, storage.WithClock(h.clock))
	return h.reopen(t, opts...)
}

// reopen builds a fresh Store over the same backend, as a restart would.
func (h *harness) reopen(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h.sched = scheduler.New(h.persist, scheduler.WithClock(h.clock), scheduler.WithLogger(logger))
	h.tracker = changes.New(h.persist,
		changes.WithScheduler(h.sched),
		changes.WithClock(h.clock),
		changes.WithOwner(func() string { return "user-1" }),
	)
	require.NoError(t, h.tracker.Load(context.Background()))
	base := []Option{
		WithScheduler(h.sched),
		WithTracker(h.tracker),
		WithClock(h.clock),
		WithLogger(logger),
		WithOwner(func() string { return "user-1" }),
	}
	h.store = New(h.persist, append(base, opts...)...)
	require.NoError(t, h.store.Initialize(context.Background()))
	return h
}

func TestInitializeCreatesDefaultWorkspace(t *testing.T) {
	h := newHarness(t)

	list := h.store.Workspaces()
	require.Len(t, list, 1)
	assert.Equal(t, DefaultWorkspaceName, list[0].Name)
	assert.Equal(t, "user-1", list[0].OwnerID)

	active, err := h.store.ActiveWorkspace()
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, active.ID)

	graph, err := h.store.GetContent(active.ID)
	require.NoError(t, err)
	assert.Equal(t, EmptyGraph(), graph)
	assert.Equal(t, 1, h.backend.count(KeyWorkspaces))
}

func TestInitializeRestoresAndRepairs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ws, err := h.store.CreateWorkspace(ctx, "Draft")
	require.NoError(t, err)

	// Dangling active pointer, orphan graph, missing graph.
	doc := workspacesDoc{Workspaces: h.store.Workspaces(), ActiveID: "gone"}
	require.NoError(t, h.persist.Store(ctx, KeyWorkspaces, doc))
	require.NoError(t, h.persist.Store(ctx, KeyContent, map[string]ContentGraph{"orphan": EmptyGraph()}))

	h.reopen(t)
	list := h.store.Workspaces()
	require.Len(t, list, 2)
	active, err := h.store.ActiveWorkspace()
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, active.ID)

	graph, err := h.store.GetContent(ws.ID)
	require.NoError(t, err)
	assert.Empty(t, graph.Nodes)

	var content map[string]ContentGraph
	_, err = h.persist.Retrieve(ctx, KeyContent, &content)
	require.NoError(t, err)
	assert.NotContains(t, content, "orphan")
	assert.Len(t, content, 2)
}

func TestCreateSaveGetScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ws, err := h.store.CreateWorkspace(ctx, "  Draft ")
	require.NoError(t, err)
	assert.Equal(t, "Draft", ws.Name)

	nodeA := Node{ID: "a", Type: "note", Position: Position{X: 10, Y: 20}, Data: map[string]any{"text": "hello"}}
	vp := Viewport{X: 1, Y: 2, Zoom: 1.5}
	require.NoError(t, h.store.SaveContent(ctx, ws.ID, []Node{nodeA}, nil, vp))

	graph, err := h.store.GetContent(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, []Node{nodeA}, graph.Nodes)
	assert.Empty(t, graph.Edges)
	assert.Equal(t, vp, graph.Viewport)

	got, err := h.store.Workspace(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Metadata.NodeCount)
}

func TestCreateWorkspaceValidatesName(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.CreateWorkspace(context.Background(), "   ")
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	long := make([]rune, MaxNameLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = h.store.CreateWorkspace(context.Background(), string(long))
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestCreateWorkspaceActivatesAndPersistsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	before := h.backend.count(KeyWorkspaces)

	ws, err := h.store.CreateWorkspace(ctx, "Draft")
	require.NoError(t, err)
	assert.Equal(t, before+1, h.backend.count(KeyWorkspaces))

	active, err := h.store.ActiveWorkspace()
	require.NoError(t, err)
	assert.Equal(t, ws.ID, active.ID)

	h.reopen(t)
	restored, err := h.store.Workspace(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "Draft", restored.Name)
}

func TestUnknownWorkspaceIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.store.RenameWorkspace(ctx, "missing", "x")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, errs.Result{Success: false, Error: "not found", Kind: errs.KindNotFound}, errs.ToResult(nil, err))

	assert.ErrorIs(t, h.store.DeleteWorkspace(ctx, "missing"), errs.ErrNotFound)
	_, err = h.store.SetActiveWorkspace(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, h.store.SaveContent(ctx, "missing", nil, nil, DefaultViewport()), errs.ErrNotFound)
	_, err = h.store.GetContent("missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteActiveAlwaysLeavesOneActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.store.CreateWorkspace(ctx, "B")
	require.NoError(t, err)
	_, err = h.store.CreateWorkspace(ctx, "C")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		active, err := h.store.ActiveWorkspace()
		require.NoError(t, err)
		require.NoError(t, h.store.DeleteWorkspace(ctx, active.ID))

		list := h.store.Workspaces()
		require.NotEmpty(t, list)
		next, err := h.store.ActiveWorkspace()
		require.NoError(t, err)
		assert.NotEqual(t, active.ID, next.ID)
		_, err = h.store.GetContent(next.ID)
		require.NoError(t, err)
	}
	assert.Len(t, h.store.Workspaces(), 1)
}

func TestDeleteInactiveKeepsActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.store.Workspaces()[0]
	second, err := h.store.CreateWorkspace(ctx, "B")
	require.NoError(t, err)

	require.NoError(t, h.store.DeleteWorkspace(ctx, first.ID))
	active, err := h.store.ActiveWorkspace()
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	_, err = h.store.GetContent(first.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSaveContentBurstIsOneWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ws, err := h.store.CreateWorkspace(ctx, "Draft")
	require.NoError(t, err)
	before := h.backend.count(KeyContent)

	for i := 0; i < 20; i++ {
		node := Node{ID: "a", Position: Position{X: float64(i)}}
		require.NoError(t, h.store.SaveContent(ctx, ws.ID, []Node{node}, nil, DefaultViewport()))
		h.clock.Advance(50 * time.Millisecond)
	}
	assert.Equal(t, before, h.backend.count(KeyContent))

	h.clock.Advance(scheduler.DefaultDelays().High)
	assert.Equal(t, before+1, h.backend.count(KeyContent))

	var content map[string]ContentGraph
	_, err = h.persist.Retrieve(ctx, KeyContent, &content)
	require.NoError(t, err)
	assert.Equal(t, float64(19), content[ws.ID].Nodes[0].Position.X)
}

func TestSaveContentImmediateMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithContentWriteMode(ContentWriteImmediate))
	ws := h.store.Workspaces()[0]
	before := h.backend.count(KeyContent)

	require.NoError(t, h.store.SaveContent(ctx, ws.ID, []Node{{ID: "a"}}, nil, DefaultViewport()))
	require.NoError(t, h.store.SaveContent(ctx, ws.ID, []Node{{ID: "b"}}, nil, DefaultViewport()))
	assert.Equal(t, before+2, h.backend.count(KeyContent))
}

func TestSaveContentValidatesGraph(t *testing.T) {
	h := newHarness(t)
	ws := h.store.Workspaces()[0]
	err := h.store.SaveContent(context.Background(), ws.ID, []Node{{ID: "a"}, {ID: "a"}}, nil, DefaultViewport())
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	err = h.store.SaveContent(context.Background(), ws.ID, nil, []Edge{{Source: "a"}}, DefaultViewport())
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestFailedImmediateWriteRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ws := h.store.Workspaces()[0]

	h.backend.fail(KeyWorkspaces, true)
	_, err := h.store.RenameWorkspace(ctx, ws.ID, "Renamed")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindStorage))
	_, err = h.store.CreateWorkspace(ctx, "Lost")
	require.Error(t, err)

	got, err := h.store.Workspace(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.Name, got.Name)
	assert.Len(t, h.store.Workspaces(), 1)
	assert.Empty(t, h.tracker.Pending(KeyWorkspaces))
}

func TestSetActiveIsDebouncedAtMediumPriority(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.store.Workspaces()[0]
	_, err := h.store.CreateWorkspace(ctx, "B")
	require.NoError(t, err)
	before := h.backend.count(KeyWorkspaces)

	h.clock.Advance(time.Minute)
	ws, err := h.store.SetActiveWorkspace(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now(), ws.Metadata.LastAccessed)
	assert.Equal(t, before, h.backend.count(KeyWorkspaces))

	h.clock.Advance(scheduler.DefaultDelays().Medium)
	assert.Equal(t, before+1, h.backend.count(KeyWorkspaces))
}

func TestFlushWritesPendingContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ws := h.store.Workspaces()[0]
	require.NoError(t, h.store.SaveContent(ctx, ws.ID, []Node{{ID: "a"}}, nil, DefaultViewport()))
	require.NoError(t, h.store.Flush(ctx))

	h.reopen(t)
	graph, err := h.store.GetContent(ws.ID)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
	assert.Equal(t, "a", graph.Nodes[0].ID)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ws := h.store.Workspaces()[0]
	tags := []string{"x"}
	_, err := h.store.UpdateMetadata(ctx, ws.ID, MetadataUpdate{Tags: &tags})
	require.NoError(t, err)

	nodes := []Node{{ID: "a", Data: map[string]any{"text": "original"}}}
	require.NoError(t, h.store.SaveContent(ctx, ws.ID, nodes, nil, DefaultViewport()))
	nodes[0].Data["text"] = "mutated by caller"

	graph, err := h.store.GetContent(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", graph.Nodes[0].Data["text"])
	graph.Nodes[0].Data["text"] = "mutated by reader"

	again, err := h.store.GetContent(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", again.Nodes[0].Data["text"])

	list := h.store.Workspaces()
	list[0].Metadata.Tags[0] = "changed"
	list[0].Name = "changed"
	fresh, err := h.store.Workspace(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, fresh.Metadata.Tags)
	assert.Equal(t, ws.Name, fresh.Name)
}

func TestUpdateMetadataAppliesOnlySetFields(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ws := h.store.Workspaces()[0]

	archived := true
	tags := []string{" a ", "b", "a", ""}
	got, err := h.store.UpdateMetadata(ctx, ws.ID, MetadataUpdate{Tags: &tags, IsArchived: &archived})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Metadata.Tags)
	assert.True(t, got.Metadata.IsArchived)
	assert.False(t, got.Metadata.IsPrivate)

	got, err = h.store.UpdateMetadata(ctx, ws.ID, MetadataUpdate{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Metadata.Tags)
	assert.True(t, got.Metadata.IsArchived)
}

func TestPreferencesValidateAndPersist(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.store.SetPreferences(ctx, Preferences{Sync: SyncPreferences{Strategy: "coin_flip"}})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	enabled := true
	prefs := Preferences{
		Sync:     SyncPreferences{Enabled: &enabled, Endpoint: "https://sync.example.com", Strategy: "merge", IntervalSeconds: 30},
		Settings: map[string]any{"theme": "dark"},
	}
	_, err = h.store.SetPreferences(ctx, prefs)
	require.NoError(t, err)

	h.reopen(t)
	assert.Equal(t, prefs, h.store.Preferences())
}

func TestMutationsAreTracked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ws, err := h.store.CreateWorkspace(ctx, "Draft")
	require.NoError(t, err)
	require.NoError(t, h.store.SaveContent(ctx, ws.ID, []Node{{ID: "a"}}, nil, DefaultViewport()))
	_, err = h.store.RenameWorkspace(ctx, ws.ID, "Final")
	require.NoError(t, err)

	wsChanges := h.tracker.Pending(KeyWorkspaces)
	require.Len(t, wsChanges, 2)
	assert.Equal(t, changes.OpCreate, wsChanges[0].Operation)
	assert.Equal(t, changes.OpUpdate, wsChanges[1].Operation)
	assert.Equal(t, "user-1", wsChanges[0].OwnerID)

	contentChanges := h.tracker.Pending(KeyContent)
	require.Len(t, contentChanges, 1)
	var payload contentChange
	require.NoError(t, json.Unmarshal(contentChanges[0].Payload, &payload))
	assert.Equal(t, ws.ID, payload.WorkspaceID)
	assert.Len(t, payload.Graph.Nodes, 1)
}

func TestOperationsBeforeInitializeFail(t *testing.T) {
	s := New(storage.NewStore(storage.NewMemoryBackend()))
	_, err := s.CreateWorkspace(context.Background(), "Draft")
	assert.True(t, errs.IsKind(err, errs.KindInitialization))
	_, err = s.ActiveWorkspace()
	assert.True(t, errs.IsKind(err, errs.KindInitialization))
}

func TestStoreWithoutSchedulerWritesDirectly(t *testing.T) {
	ctx := context.Background()
	backend := newCountingBackend()
	s := New(storage.NewStore(backend), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Initialize(ctx))
	ws := s.Workspaces()[0]
	before := backend.count(KeyContent)

	require.NoError(t, s.SaveContent(ctx, ws.ID, []Node{{ID: "a"}}, nil, DefaultViewport()))
	assert.Equal(t, before+1, backend.count(KeyContent))
}
