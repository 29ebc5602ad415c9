package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeFiresTimersInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Time{})
	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, c.PendingTimers())

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, c.PendingTimers())
}

func TestFakeStoppedTimerNeverFires(t *testing.T) {
	c := NewFake(time.Time{})
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, called)
}

func TestFakeCallbackCanArmNewTimer(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)
	var ticks []time.Time
	var tick func()
	tick = func() {
		ticks = append(ticks, c.Now())
		if len(ticks) < 3 {
			c.AfterFunc(10*time.Second, tick)
		}
	}
	c.AfterFunc(10*time.Second, tick)

	c.Advance(time.Minute)
	require.Len(t, ticks, 3)
	assert.Equal(t, start.Add(30*time.Second), ticks[2])
	assert.Equal(t, start.Add(time.Minute), c.Now())
}
