package lifecycle

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Callbacks run synchronously inside
// Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	seq     int
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      int
	fn       func()
	stopped  bool
	fired    bool
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	ft := &fakeTimer{clock: c, deadline: c.now.Add(d), seq: c.seq, fn: f}
	c.pending = append(c.pending, ft)
	return ft
}

// Advance moves the clock forward by d, firing every timer whose deadline is
// reached. Timers scheduled by callbacks fire too if they fall within d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		fn := next.fn
		c.mu.Unlock()
		fn()
	}
}

// Deadlines returns the pending deadlines in firing order.
func (c *FakeClock) Deadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, ft := range c.sortedLocked() {
		out = append(out, ft.deadline)
	}
	return out
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	sorted := c.sortedLocked()
	if len(sorted) == 0 || sorted[0].deadline.After(target) {
		return nil
	}
	return sorted[0]
}

func (c *FakeClock) sortedLocked() []*fakeTimer {
	live := c.pending[:0]
	for _, ft := range c.pending {
		if !ft.stopped && !ft.fired {
			live = append(live, ft)
		}
	}
	c.pending = live
	out := append([]*fakeTimer(nil), live...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].deadline.Equal(out[j].deadline) {
			return out[i].seq < out[j].seq
		}
		return out[i].deadline.Before(out[j].deadline)
	})
	return out
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
