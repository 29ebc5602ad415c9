package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
)

type board struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()
	file, err := NewFileBackend(filepath.Join(dir, "files"))
	require.NoError(t, err)
	bdg, err := NewBadgerBackend(InMemoryBadgerConfig())
	require.NoError(t, err)
	lite, err := NewSQLiteBackend(filepath.Join(dir, "kv.db"))
	require.NoError(t, err)
	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   file,
		"badger": bdg,
		"sqlite": lite,
	}
	t.Cleanup(func() {
		for _, b := range backends {
			_ = b.Close()
		}
	})
	return backends
}

func TestStoreContractAcrossBackends(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			fake := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
			store := NewStore(backend, WithClock(fake))

			_, err := store.Retrieve(ctx, "workspaces", &board{})
			require.ErrorIs(t, err, errs.ErrNotFound)
			assert.True(t, errs.IsKind(err, errs.KindNotFound))

			require.NoError(t, store.Store(ctx, "workspaces", board{ID: "w1", Name: "Draft"}))
			fake.Advance(time.Minute)
			require.NoError(t, store.Store(ctx, "workspaces", board{ID: "w1", Name: "Renamed"}))
			require.NoError(t, store.Store(ctx, "identity.user_id", "u-1"))

			var got board
			env, err := store.Retrieve(ctx, "workspaces", &got)
			require.NoError(t, err)
			assert.Equal(t, "Renamed", got.Name)
			assert.Equal(t, CurrentVersion, env.Version)
			assert.Equal(t, fake.Now(), env.LastModified)

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"identity.user_id", "workspaces"}, keys)

			require.NoError(t, store.Delete(ctx, "workspaces"))
			require.NoError(t, store.Delete(ctx, "workspaces"))
			_, err = store.Retrieve(ctx, "workspaces", nil)
			assert.ErrorIs(t, err, errs.ErrNotFound)
		})
	}
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	err := store.Store(context.Background(), "  ", 1)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestMigrationsUpgradeOldEnvelopes(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	old := NewStore(backend)
	require.NoError(t, old.Store(ctx, "workspaces", map[string]any{"title": "Draft"}))

	upgraded := NewStore(backend, WithVersion(2), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, upgraded.RegisterMigration(1, 2, func(_ string, payload json.RawMessage) (json.RawMessage, error) {
		var legacy map[string]any
		if err := json.Unmarshal(payload, &legacy); err != nil {
			return nil, err
		}
		return json.Marshal(board{ID: "w1", Name: legacy["title"].(string)})
	}))

	var got board
	env, err := upgraded.Retrieve(ctx, "workspaces", &got)
	require.NoError(t, err)
	assert.Equal(t, 2, env.Version)
	assert.Equal(t, board{ID: "w1", Name: "Draft"}, got)
}

func TestLegacyBarePayloadIsVersionZero(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Put(ctx, "preferences", []byte(`{"id":"p","name":"legacy"}`)))

	var got board
	env, err := NewStore(backend).Retrieve(ctx, "preferences", &got)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, env.Version)
	assert.Equal(t, "legacy", got.Name)
}

func TestFutureVersionIsRejected(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Put(ctx, "content", []byte(`{"payload":{},"lastModified":"2025-01-01T00:00:00Z","version":99}`)))

	_, err := NewStore(backend).Retrieve(ctx, "content", nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindStorage))
}

func TestMissingMigrationStepFails(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, NewStore(backend).Store(ctx, "content", 1))

	_, err := NewStore(backend, WithVersion(3)).Retrieve(ctx, "content", nil)
	assert.True(t, errs.IsKind(err, errs.KindStorage))
}

func TestRegisterMigrationValidates(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	assert.Error(t, store.RegisterMigration(2, 2, func(_ string, p json.RawMessage) (json.RawMessage, error) { return p, nil }))
	assert.Error(t, store.RegisterMigration(1, 2, nil))
}
