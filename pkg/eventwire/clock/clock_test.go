package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []string

	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	assert.Equal(t, 3, c.Pending())

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, epoch.Add(2*time.Second), c.Now())

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeCallbackSeesDeadlineAsNow(t *testing.T) {
	c := NewFake(epoch)
	var seen time.Time
	c.AfterFunc(1500*time.Millisecond, func() { seen = c.Now() })

	c.Advance(10 * time.Second)
	assert.Equal(t, epoch.Add(1500*time.Millisecond), seen)
	assert.Equal(t, epoch.Add(10*time.Second), c.Now())
}

func TestFakeTimersArmedDuringAdvance(t *testing.T) {
	c := NewFake(epoch)
	var ticks int32

	var tick func()
	tick = func() {
		atomic.AddInt32(&ticks, 1)
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(5 * time.Second)
	assert.Equal(t, int32(5), atomic.LoadInt32(&ticks))
	assert.Equal(t, 1, c.Pending())
}

func TestFakeStop(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeNextDeadline(t *testing.T) {
	c := NewFake(epoch)
	_, ok := c.NextDeadline()
	assert.False(t, ok)

	c.AfterFunc(4*time.Second, func() {})
	c.AfterFunc(2*time.Second, func() {})

	deadline, ok := c.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(2*time.Second), deadline)
}

func TestRealClock(t *testing.T) {
	c := New()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer did not fire")
	}

	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)
}

func TestFakeZeroAndNegativeDelayFireOnNextAdvance(t *testing.T) {
	c := NewFake(epoch)
	var fired []string
	c.AfterFunc(0, func() { fired = append(fired, "zero") })
	c.AfterFunc(-time.Second, func() { fired = append(fired, "negative") })
	assert.Equal(t, 2, c.Pending())

	c.Advance(0)
	assert.Equal(t, []string{"zero", "negative"}, fired)
	assert.Equal(t, epoch, c.Now())
	assert.Equal(t, 0, c.Pending())
}

func TestFakeStopAfterFireReturnsFalse(t *testing.T) {
	c := NewFake(epoch)
	timer := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, timer.Stop())
}
