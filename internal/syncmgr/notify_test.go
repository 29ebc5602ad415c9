package syncmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/boardsync/internal/clock"
)

func TestRemoteEventIgnoresOwnEchoAndUnknownTypes(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Time{})
	remote := newFakeRemote()
	d := newDevice(t, "a", remote, fake)
	require.NoError(t, d.manager.Configure(ctx, testSettings(Merge)))
	remote.seed("content", `{"v":"remote"}`, fake.Now())

	d.manager.handleRemoteEvent(ctx, RemoteEvent{DataType: "content", DeviceID: "a"})
	d.manager.handleRemoteEvent(ctx, RemoteEvent{DataType: "sketches", DeviceID: "b"})
	assert.Zero(t, remote.pullCount())
	assert.Empty(t, d.source.doc("content"))

	d.manager.handleRemoteEvent(ctx, RemoteEvent{DataType: "content", DeviceID: "b"})
	assert.Equal(t, 1, remote.pullCount())
	assert.JSONEq(t, `{"v":"remote"}`, d.source.doc("content"))
	assert.Equal(t, StatusSuccess, d.manager.State().Status)
}

func TestRemoteEventSkippedWhileFullSyncRuns(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Time{})
	remote := newFakeRemote()
	d := newDevice(t, "a", remote, fake)
	require.NoError(t, d.manager.Configure(ctx, testSettings(Merge)))

	gate := make(chan struct{})
	remote.set(func(r *fakeRemote) { r.pullGate = gate })
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := d.manager.PerformFullSync(ctx)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		return remote.pullCount() == 1
	}, time.Second, 5*time.Millisecond)

	d.manager.handleRemoteEvent(ctx, RemoteEvent{DataType: "content", DeviceID: "b"})
	assert.Equal(t, 1, remote.pullCount())

	close(gate)
	wg.Wait()
}

func TestRemoteEventPushesKeptLocalCopy(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Time{})
	remote := newFakeRemote()
	d := newDevice(t, "a", remote, fake)
	require.NoError(t, d.manager.Configure(ctx, testSettings(Merge)))

	remote.seed("content", `{"v":"remote"}`, fake.Now())
	fake.Advance(time.Minute)
	d.source.edit(t, "content", `{"v":"local"}`)

	d.manager.handleRemoteEvent(ctx, RemoteEvent{DataType: "content", DeviceID: "b"})
	env, _ := remote.envelope("content")
	assert.JSONEq(t, `{"v":"local"}`, string(env.Data))
	assert.Zero(t, d.tracker.Len())
	state := d.manager.State()
	assert.Equal(t, StatusSuccess, state.Status)
	assert.Equal(t, 1, state.Stats.TotalSyncs)
}

func TestRemoteEventCountsConflicts(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Time{})
	remote := newFakeRemote()
	d := newDevice(t, "a", remote, fake)
	require.NoError(t, d.manager.Configure(ctx, testSettings(Merge)))

	d.source.edit(t, "content", `{"items":[{"id":"l"}]}`)
	remote.seed("content", `{"items":[{"id":"r"}]}`, fake.Now().Add(time.Hour))

	d.manager.handleRemoteEvent(ctx, RemoteEvent{DataType: "content", DeviceID: "b"})
	state := d.manager.State()
	assert.Equal(t, StatusConflict, state.Status)
	assert.Equal(t, 1, state.Stats.ConflictsResolved)
	assert.Equal(t, 1, state.Stats.SuccessfulSyncs)
	env, _ := remote.envelope("content")
	assert.JSONEq(t, `{"items":[{"id":"r"},{"id":"l"}]}`, string(env.Data))
}

func TestRemoteEventLeavesOpenConflictAlone(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Time{})
	remote := newFakeRemote()
	d := newDevice(t, "a", remote, fake)
	require.NoError(t, d.manager.Configure(ctx, testSettings(PromptUser)))

	d.source.edit(t, "content", `{"v":"local"}`)
	remote.seed("content", `{"v":"remote"}`, fake.Now().Add(time.Hour))
	_, err := d.manager.PullChanges(ctx, "content")
	require.NoError(t, err)
	require.Equal(t, 1, d.manager.State().Unresolved)
	pulls := remote.pullCount()

	d.manager.handleRemoteEvent(ctx, RemoteEvent{DataType: "content", DeviceID: "b"})
	assert.Equal(t, pulls, remote.pullCount())
	assert.JSONEq(t, `{"v":"local"}`, d.source.doc("content"))
}
