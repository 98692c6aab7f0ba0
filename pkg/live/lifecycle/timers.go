// Package lifecycle holds the named timers shared by the components of one
// live session, so they can all be cancelled in a single step.
package lifecycle

import (
	"sync"
	"time"
)

// Timer names used across the live packages.
const (
	TimerHeartbeat         = "transport.heartbeat"
	TimerReconnect         = "transport.reconnect"
	TimerGoAway            = "session.goaway"
	TimerSessionDuration   = "session.duration"
	TimerCredentialRefresh = "credential.refresh"
)

// Clock abstracts time.AfterFunc for tests.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper is the part of *time.Timer the group needs.
type Stopper interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// Timers is a group of named one-shot timers. Scheduling a name replaces any
// pending timer with that name. A fired callback runs only if its entry is
// still current, so a timer cancelled concurrently with firing never runs.
type Timers struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]*entry
	closed  bool
}

type entry struct {
	stop Stopper
}

func NewTimers() *Timers {
	return NewTimersWithClock(nil)
}

func NewTimersWithClock(clock Clock) *Timers {
	if clock == nil {
		clock = realClock{}
	}
	return &Timers{
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

// Schedule arranges for fn to run after d under name. It returns false if the
// group has been closed.
func (t *Timers) Schedule(name string, d time.Duration, fn func()) bool {
	if t == nil || fn == nil {
		return false
	}
	if d < 0 {
		d = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if t.entries == nil {
		t.entries = make(map[string]*entry)
	}
	if old := t.entries[name]; old != nil && old.stop != nil {
		old.stop.Stop()
	}

	e := &entry{}
	t.entries[name] = e
	e.stop = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.entries[name] == e
		if current {
			delete(t.entries, name)
		}
		t.mu.Unlock()
		if current {
			fn()
		}
	})
	return true
}

// Cancel stops the named timer. It reports whether a pending timer existed.
func (t *Timers) Cancel(name string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[name]
	if e == nil {
		return false
	}
	delete(t.entries, name)
	if e.stop != nil {
		e.stop.Stop()
	}
	return true
}

// Pending reports whether a timer with name is scheduled.
func (t *Timers) Pending(name string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[name]
	return ok
}

// Count returns the number of pending timers.
func (t *Timers) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CancelAll stops every pending timer and returns how many were stopped.
// The group stays usable.
func (t *Timers) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, e := range t.entries {
		if e != nil && e.stop != nil {
			e.stop.Stop()
		}
		delete(t.entries, name)
		canceled++
	}
	return canceled
}

// Close cancels everything and rejects further scheduling.
func (t *Timers) Close() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.CancelAll()
}

// Reopen allows scheduling again after Close.
func (t *Timers) Reopen() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()
}
