package lifecycle

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimers_ScheduleFiresOnce(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(time.Unix(0, 0))
	tm := NewTimersWithClock(clock)
	var fired atomic.Int64
	tm.Schedule(TimerGoAway, 5*time.Second, func() { fired.Add(1) })

	clock.Advance(4 * time.Second)
	if fired.Load() != 0 {
		t.Fatalf("fired early")
	}
	if !tm.Pending(TimerGoAway) {
		t.Fatalf("expected pending timer")
	}
	clock.Advance(time.Second)
	if fired.Load() != 1 {
		t.Fatalf("fired=%d, want 1", fired.Load())
	}
	if tm.Pending(TimerGoAway) {
		t.Fatalf("fired timer should be removed")
	}
	clock.Advance(time.Hour)
	if fired.Load() != 1 {
		t.Fatalf("fired=%d, want 1", fired.Load())
	}
}

func TestTimers_RescheduleReplaces(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(time.Unix(0, 0))
	tm := NewTimersWithClock(clock)
	var first, second atomic.Int64
	tm.Schedule(TimerCredentialRefresh, time.Second, func() { first.Add(1) })
	tm.Schedule(TimerCredentialRefresh, 3*time.Second, func() { second.Add(1) })

	clock.Advance(5 * time.Second)
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("first=%d second=%d, want 0/1", first.Load(), second.Load())
	}
}

func TestTimers_CancelAllStopsEverything(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(time.Unix(0, 0))
	tm := NewTimersWithClock(clock)
	var fired atomic.Int64
	for _, name := range []string{TimerHeartbeat, TimerReconnect, TimerGoAway, TimerSessionDuration, TimerCredentialRefresh} {
		tm.Schedule(name, time.Second, func() { fired.Add(1) })
	}
	if n := tm.CancelAll(); n != 5 {
		t.Fatalf("canceled=%d, want 5", n)
	}
	clock.Advance(time.Minute)
	if fired.Load() != 0 {
		t.Fatalf("fired=%d, want 0", fired.Load())
	}
	if tm.Count() != 0 {
		t.Fatalf("count=%d, want 0", tm.Count())
	}
}

func TestTimers_CloseRejectsSchedule(t *testing.T) {
	t.Parallel()

	tm := NewTimersWithClock(NewFakeClock(time.Unix(0, 0)))
	tm.Close()
	if tm.Schedule(TimerReconnect, time.Second, func() {}) {
		t.Fatalf("expected Schedule to fail after Close")
	}
	tm.Reopen()
	if !tm.Schedule(TimerReconnect, time.Second, func() {}) {
		t.Fatalf("expected Schedule to succeed after Reopen")
	}
}

func TestTimers_Cancel(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(time.Unix(0, 0))
	tm := NewTimersWithClock(clock)
	var fired atomic.Int64
	tm.Schedule(TimerReconnect, time.Second, func() { fired.Add(1) })
	if !tm.Cancel(TimerReconnect) {
		t.Fatalf("expected Cancel to report a pending timer")
	}
	if tm.Cancel(TimerReconnect) {
		t.Fatalf("second Cancel should report nothing pending")
	}
	clock.Advance(2 * time.Second)
	if fired.Load() != 0 {
		t.Fatalf("fired=%d, want 0", fired.Load())
	}
}

func TestTimers_RealClock(t *testing.T) {
	t.Parallel()

	tm := NewTimers()
	done := make(chan struct{})
	tm.Schedule(TimerHeartbeat, 10*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
}

func TestFakeClock_ChainedTimers(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(time.Unix(0, 0))
	var at []time.Duration
	start := clock.Now()
	clock.AfterFunc(time.Second, func() {
		at = append(at, clock.Now().Sub(start))
		clock.AfterFunc(2*time.Second, func() {
			at = append(at, clock.Now().Sub(start))
		})
	})
	clock.Advance(10 * time.Second)
	if len(at) != 2 || at[0] != time.Second || at[1] != 3*time.Second {
		t.Fatalf("at=%v, want [1s 3s]", at)
	}
	if got := clock.Now().Sub(start); got != 10*time.Second {
		t.Fatalf("now=%v, want 10s", got)
	}
}
