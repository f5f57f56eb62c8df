// Package clock abstracts wall-clock time and one-shot timers so that the hub
// sweep and the connection manager's heartbeat and backoff timers can be
// driven deterministically in tests.
package clock

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real clock) or in the goroutine
	// calling Fake.Advance (fake clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer has
	// already fired or been stopped.
	Stop() bool
}

type realClock struct {
	clock clockwork.Clock
}

// New returns a Clock backed by the system clock.
func New() Clock {
	return realClock{clock: clockwork.NewRealClock()}
}

func (c realClock) Now() time.Time {
	return c.clock.Now()
}

func (c realClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.clock.AfterFunc(d, f)
}

// Fake is a manually advanced Clock over a clockwork.FakeClock. Callbacks run
// synchronously, in deadline order, from within Advance, so a test observes
// their effects as soon as Advance returns.
type Fake struct {
	clock *clockwork.FakeClock

	mu      sync.Mutex
	seq     uint64
	pending []*fakeTimer
}

type fakeTimer struct {
	fake     *Fake
	timer    clockwork.Timer
	deadline time.Time
	seq      uint64
	f        func()
}

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{clock: clockwork.NewFakeClockAt(start)}
}

func (c *Fake) Now() time.Time {
	return c.clock.Now()
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	t := &fakeTimer{
		fake:     c,
		timer:    c.clock.NewTimer(d),
		deadline: c.clock.Now().Add(d),
		seq:      c.seq,
		f:        f,
	}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline is
// reached, including timers armed by callbacks during the advance.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.clock.Now().Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDueLocked(target)
		if next == nil {
			if step := target.Sub(c.clock.Now()); step > 0 {
				c.clock.Advance(step)
			}
			c.mu.Unlock()
			return
		}
		if step := next.deadline.Sub(c.clock.Now()); step > 0 {
			c.clock.Advance(step)
		}
		c.mu.Unlock()

		// The underlying timer has expired by now and its channel is buffered.
		<-next.timer.Chan()
		next.f()
	}
}

// Pending returns the number of armed timers.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NextDeadline returns the deadline of the earliest armed timer.
func (c *Fake) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return time.Time{}, false
	}
	c.sortLocked()
	return c.pending[0].deadline, true
}

func (c *Fake) popDueLocked(target time.Time) *fakeTimer {
	if len(c.pending) == 0 {
		return nil
	}
	c.sortLocked()
	first := c.pending[0]
	if first.deadline.After(target) {
		return nil
	}
	c.pending = c.pending[1:]
	return first
}

func (c *Fake) sortLocked() {
	slices.SortStableFunc(c.pending, func(a, b *fakeTimer) int {
		if cmp := a.deadline.Compare(b.deadline); cmp != 0 {
			return cmp
		}
		if a.seq < b.seq {
			return -1
		}
		return 1
	})
}

func (t *fakeTimer) Stop() bool {
	c := t.fake
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.Index(c.pending, t)
	if idx < 0 {
		return false
	}
	c.pending = slices.Delete(c.pending, idx, idx+1)
	t.timer.Stop()
	return true
}
