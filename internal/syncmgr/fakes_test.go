package syncmgr

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/boardsync/internal/changes"
	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/storage"
)

// fakeRemote keeps one envelope per data type and rejects pushes built on a
// stale base, like the reference server.
type fakeRemote struct {
	mu        sync.Mutex
	envelopes map[string]Envelope
	healthErr error
	pushErr   error
	pullErr   error
	pushes    int
	pulls     int
	pullGate  chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{envelopes: map[string]Envelope{}}
}

func (r *fakeRemote) Health(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthErr
}

func (r *fakeRemote) Push(_ context.Context, dataType string, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushErr != nil {
		return r.pushErr
	}
	if stored, ok := r.envelopes[dataType]; ok {
		base := env.SyncMeta.BaseTimestamp
		if base == nil || !base.Equal(stored.SyncMeta.LocalTimestamp) {
			return &ConflictError{DataType: dataType}
		}
	}
	r.envelopes[dataType] = env
	r.pushes++
	return nil
}

func (r *fakeRemote) Pull(ctx context.Context, dataType string) (Envelope, bool, error) {
	r.mu.Lock()
	r.pulls++
	gate := r.pullGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Envelope{}, false, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pullErr != nil {
		return Envelope{}, false, r.pullErr
	}
	env, ok := r.envelopes[dataType]
	return env, ok, nil
}

func (r *fakeRemote) set(fn func(r *fakeRemote)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

func (r *fakeRemote) pullCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}

func (r *fakeRemote) envelope(dataType string) (Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envelopes[dataType]
	return env, ok
}

// seed stores a plain envelope as another device would have pushed it.
func (r *fakeRemote) seed(dataType, doc string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes[dataType] = Envelope{
		Schema: SchemaInfo{Version: SchemaVersion, DataType: dataType},
		UserID: "user-1",
		Data:   json.RawMessage(doc),
		SyncMeta: SyncMeta{
			LocalTimestamp: at.UTC(),
			DeviceID:       "other-device",
		},
	}
}

type fakeDoc struct {
	raw      json.RawMessage
	modified time.Time
}

// fakeSource is an in-memory DataSource that tracks every local edit.
type fakeSource struct {
	mu      sync.Mutex
	types   []string
	docs    map[string]fakeDoc
	applied []string
	tracker *changes.Tracker
	clock   clock.Clock
}

func (s *fakeSource) DataTypes() []string {
	return s.types
}

func (s *fakeSource) SyncSnapshot(dataType string) (json.RawMessage, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[dataType]
	if !ok {
		return json.RawMessage(`{}`), time.Time{}, nil
	}
	return append(json.RawMessage(nil), d.raw...), d.modified, nil
}

func (s *fakeSource) ApplyRemote(_ context.Context, dataType string, payload json.RawMessage, at time.Time) error {
	if !json.Valid(payload) {
		return errors.New("invalid payload")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[dataType] = fakeDoc{raw: append(json.RawMessage(nil), payload...), modified: at}
	s.applied = append(s.applied, dataType)
	return nil
}

func (s *fakeSource) edit(t *testing.T, dataType, doc string) {
	t.Helper()
	s.mu.Lock()
	s.docs[dataType] = fakeDoc{raw: json.RawMessage(doc), modified: s.clock.Now().UTC()}
	s.mu.Unlock()
	_, err := s.tracker.Track(context.Background(), dataType, changes.OpUpdate, json.RawMessage(doc), nil)
	require.NoError(t, err)
}

func (s *fakeSource) doc(dataType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.docs[dataType].raw)
}

func (s *fakeSource) appliedTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

type device struct {
	manager *Manager
	source  *fakeSource
	tracker *changes.Tracker
}

func newDevice(t *testing.T, id string, remote RemoteClient, fake *clock.Fake, opts ...Option) *device {
	t.Helper()
	tracker := changes.New(storage.NewStore(storage.NewMemoryBackend()),
		changes.WithClock(fake),
		changes.WithOwner(func() string { return "user-1" }),
	)
	source := &fakeSource{
		types:   []string{"workspaces", "content"},
		docs:    map[string]fakeDoc{},
		tracker: tracker,
		clock:   fake,
	}
	base := []Option{
		WithClock(fake),
		WithLogger(zaptest.NewLogger(t)),
		WithIdentity(func() (string, string) { return "user-1", "fp-" + id }),
		WithDeviceID(id),
		WithRemoteClient(remote),
		WithRandom(func() float64 { return 0.5 }),
	}
	m := New(source, tracker, append(base, opts...)...)
	return &device{manager: m, source: source, tracker: tracker}
}

func testSettings(strategy Strategy) Settings {
	s := DefaultSettings()
	s.Endpoint = "https://sync.example.test"
	s.Strategy = strategy
	return s
}
