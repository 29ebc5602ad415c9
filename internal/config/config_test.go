package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.HighDelay)
	assert.Equal(t, time.Second, cfg.Scheduler.MediumDelay)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.LowDelay)
	assert.Equal(t, 5*time.Minute, cfg.Sync.DivergenceThreshold)
	assert.Equal(t, ContentWriteDebounced, cfg.Workspace.ContentWriteMode)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/boards
scheduler:
  high_delay: 100ms
sync:
  enabled: true
  endpoint: https://sync.example.test
  strategy: remote_wins
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/boards", cfg.DataDir)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.HighDelay)
	assert.Equal(t, time.Second, cfg.Scheduler.MediumDelay)
	assert.Equal(t, "remote_wins", cfg.Sync.Strategy)
	assert.Equal(t, "file:///tmp/boards/store", cfg.ResolvedStorageDSN())
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMissingDefaultFileIsTolerated(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), DefaultFileName))
	assert.NoError(t, err)
}

func TestApplyEnvOverlay(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(envMap(map[string]string{
		"BOARDSYNC_STORAGE_DSN":         "badger:///var/lib/boardsync",
		"BOARDSYNC_SYNC_INTERVAL":       "45",
		"BOARDSYNC_SYNC_JITTER":         "0.5",
		"BOARDSYNC_SYNC_COMPRESS":       "true",
		"BOARDSYNC_CHANGES_CAPACITY":    "not-a-number",
		"BOARDSYNC_SERVER_CORS_ORIGINS": "https://a.test, https://b.test,",
		"BOARDSYNC_CONTENT_WRITE_MODE":  "immediate",
	}))
	assert.Equal(t, "badger:///var/lib/boardsync", cfg.ResolvedStorageDSN())
	assert.Equal(t, 45*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 0.5, cfg.Sync.Jitter)
	assert.True(t, cfg.Sync.Compress)
	assert.Equal(t, 1000, cfg.Changes.Capacity)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.CORSOrigins)
	assert.Equal(t, ContentWriteImmediate, cfg.Workspace.ContentWriteMode)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"strategy":      func(c *Config) { c.Sync.Strategy = "coin_flip" },
		"jitter":        func(c *Config) { c.Sync.Jitter = 1.5 },
		"interval":      func(c *Config) { c.Sync.Interval = 10 * time.Millisecond },
		"write mode":    func(c *Config) { c.Workspace.ContentWriteMode = "lazy" },
		"endpoint url":  func(c *Config) { c.Sync.Endpoint = "not a url" },
		"enabled no ep": func(c *Config) { c.Sync.Enabled = true },
		"log level":     func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  strategy: merge\n"), 0o644))
	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial,
		WithReloadDebounce(20*time.Millisecond),
		WithWatcherLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	defer w.Close()

	var got atomic.Value
	w.OnChange(func(cfg *Config) { got.Store(cfg.Sync.Strategy) })

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  strategy: local_wins\n"), 0o644))
	require.Eventually(t, func() bool {
		v, _ := got.Load().(string)
		return v == "local_wins"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "local_wins", w.Current().Sync.Strategy)
}

func TestWatcherKeepsPreviousConfigOnInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  strategy: merge\n"), 0o644))
	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, WithReloadDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()

	var calls atomic.Int32
	w.OnChange(func(*Config) { calls.Add(1) })
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  strategy: nope\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, "merge", w.Current().Sync.Strategy)
}
