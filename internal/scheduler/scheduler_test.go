package scheduler

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

	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/storage"
)

type write struct {
	key  string
	data string
}

type countingWriter struct {
	mu     sync.Mutex
	writes []write
	fail   error
}

func (w *countingWriter) Store(_ context.Context, key string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w.writes = append(w.writes, write{key: key, data: string(raw)})
	return nil
}

func (w *countingWriter) setFail(err error) {
	w.mu.Lock()
	w.fail = err
	w.mu.Unlock()
}

func (w *countingWriter) snapshot() []write {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]write(nil), w.writes...)
}

func newTestScheduler(t *testing.T, w Writer) (*Scheduler, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Time{})
	s := New(w,
		WithClock(fake),
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(metrics.NewCollector("test")),
	)
	return s, fake
}

func TestBurstCollapsesToOneWriteOfLastPayload(t *testing.T) {
	ctx := context.Background()
	w := &countingWriter{}
	s, fake := newTestScheduler(t, w)

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.Schedule(ctx, "content", map[string]int{"n": i}, Options{Priority: PriorityHigh}))
		fake.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, w.snapshot())
	assert.True(t, s.Pending("content"))

	fake.Advance(250 * time.Millisecond)
	assert.Equal(t, []write{{key: "content", data: `{"n":10}`}}, w.snapshot())
	assert.False(t, s.Pending("content"))
	assert.Equal(t, 0, fake.PendingTimers())
}

func TestPriorityDelays(t *testing.T) {
	ctx := context.Background()
	w := &countingWriter{}
	s, fake := newTestScheduler(t, w)

	require.NoError(t, s.Schedule(ctx, "high", 1, Options{Priority: PriorityHigh}))
	require.NoError(t, s.Schedule(ctx, "medium", 2, Options{Priority: PriorityMedium}))
	require.NoError(t, s.Schedule(ctx, "low", 3, Options{Priority: PriorityLow}))

	fake.Advance(250 * time.Millisecond)
	assert.Len(t, w.snapshot(), 1)
	fake.Advance(750 * time.Millisecond)
	assert.Len(t, w.snapshot(), 2)
	fake.Advance(2 * time.Second)
	got := w.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"high", "medium", "low"}, []string{got[0].key, got[1].key, got[2].key})
}

func TestImmediateCancelsPendingTimer(t *testing.T) {
	ctx := context.Background()
	w := &countingWriter{}
	s, fake := newTestScheduler(t, w)

	require.NoError(t, s.Schedule(ctx, "workspaces", "stale", Options{Priority: PriorityLow}))
	require.NoError(t, s.Schedule(ctx, "workspaces", "fresh", Options{Immediate: true}))
	assert.False(t, s.Pending("workspaces"))

	fake.Advance(10 * time.Second)
	assert.Equal(t, []write{{key: "workspaces", data: `"fresh"`}}, w.snapshot())
}

func TestPayloadIsSnapshotAtScheduleTime(t *testing.T) {
	ctx := context.Background()
	w := &countingWriter{}
	s, fake := newTestScheduler(t, w)

	payload := map[string]string{"name": "before"}
	require.NoError(t, s.Schedule(ctx, "content", payload, Options{}))
	payload["name"] = "after"
	fake.Advance(time.Second)
	assert.Equal(t, `{"name":"before"}`, w.snapshot()[0].data)
}

func TestFailedDebouncedWriteIsRearmed(t *testing.T) {
	ctx := context.Background()
	w := &countingWriter{}
	w.setFail(errors.New("disk full"))
	s, fake := newTestScheduler(t, w)

	require.NoError(t, s.Schedule(ctx, "content", "v1", Options{Priority: PriorityHigh}))
	fake.Advance(250 * time.Millisecond)
	assert.True(t, s.Pending("content"))

	w.setFail(nil)
	fake.Advance(250 * time.Millisecond)
	assert.Equal(t, []write{{key: "content", data: `"v1"`}}, w.snapshot())
	assert.False(t, s.Pending("content"))
}

func TestFailedWriteDoesNotResurrectSupersededPayload(t *testing.T) {
	ctx := context.Background()
	w := &countingWriter{}
	s, _ := newTestScheduler(t, w)

	w.setFail(errors.New("disk full"))
	require.NoError(t, s.Schedule(ctx, "content", "old", Options{}))
	require.Error(t, s.Flush(ctx))
	assert.True(t, s.Pending("content"))

	w.setFail(nil)
	require.NoError(t, s.Schedule(ctx, "content", "new", Options{Immediate: true}))
	assert.False(t, s.Pending("content"))
	assert.Equal(t, []write{{key: "content", data: `"new"`}}, w.snapshot())
}

func TestFlushAndClose(t *testing.T) {
	ctx := context.Background()
	w := &countingWriter{}
	s, fake := newTestScheduler(t, w)

	require.NoError(t, s.Schedule(ctx, "b", 2, Options{Priority: PriorityLow}))
	require.NoError(t, s.Schedule(ctx, "a", 1, Options{Priority: PriorityLow}))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, []write{{key: "a", data: "1"}, {key: "b", data: "2"}}, w.snapshot())
	assert.False(t, s.Ready())

	err := s.Schedule(ctx, "a", 3, Options{})
	assert.ErrorIs(t, err, errs.ErrClosed)
	fake.Advance(time.Minute)
	assert.Len(t, w.snapshot(), 2)
}

func TestPersistFallsBackWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	w := &countingWriter{}

	require.NoError(t, Persist(ctx, nil, w, "preferences", "direct", Options{}))
	assert.Len(t, w.snapshot(), 1)

	s, _ := newTestScheduler(t, w)
	require.NoError(t, s.Close(ctx))
	require.NoError(t, Persist(ctx, s, w, "preferences", "after-close", Options{}))
	assert.Equal(t, `"after-close"`, w.snapshot()[1].data)

	assert.Error(t, Persist(ctx, nil, nil, "preferences", "lost", Options{}))
}

func TestSameKeyWritesAreNotReordered(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryBackend())
	s := New(store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Schedule(ctx, "content", i, Options{Immediate: true})
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Schedule(ctx, "content", "final", Options{Immediate: true}))

	var got string
	_, err := store.Retrieve(ctx, "content", &got)
	require.NoError(t, err)
	assert.Equal(t, "final", got)
}

func TestDelaysFallBackToDefaults(t *testing.T) {
	d := Delays{High: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, d.For(PriorityHigh))
	assert.Equal(t, time.Second, d.For(PriorityMedium))
	assert.Equal(t, 3*time.Second, d.For(PriorityLow))
}
