package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/lifecycle"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

type harness struct {
	m        *Manager
	clock    *lifecycle.FakeClock
	store    *MemoryStore
	turns    int
	goAways  []GoAwayNotice
	cleanups []time.Time
	expiring []time.Duration
}

func newHarness(t *testing.T, compression CompressionConfig) *harness {
	t.Helper()
	h := &harness{
		clock: lifecycle.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		store: NewMemoryStore(),
	}
	h.store.now = h.clock.Now
	m, err := NewManager(Options{
		Key:                "conv-1",
		Store:              h.store,
		Compression:        compression,
		MaxSessionDuration: 10 * time.Minute,
		SessionWarnLead:    30 * time.Second,
		OnTurnComplete:     func() { h.turns++ },
		OnGoAway:           func(n GoAwayNotice) { h.goAways = append(h.goAways, n) },
		OnGoAwayCleanup:    func(GoAwayNotice) { h.cleanups = append(h.cleanups, h.clock.Now()) },
		OnSessionExpiring:  func(d time.Duration) { h.expiring = append(h.expiring, d) },
		Timers:             lifecycle.NewTimersWithClock(h.clock),
		Now:                h.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h.m = m
	return h
}

func resumption(handle string, resumable bool) *protocol.ServerMessage {
	return &protocol.ServerMessage{SessionResumptionUpdate: &protocol.SessionResumptionUpdate{NewHandle: handle, Resumable: resumable}}
}

func TestManager_NegotiateWithoutHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	frag := h.m.Negotiate(context.Background())
	if frag.SessionResumption == nil || frag.SessionResumption.Handle != "" || frag.Resuming {
		t.Fatalf("fragment=%+v", frag)
	}
	if frag.ContextWindowCompression != nil {
		t.Fatalf("compression should be absent when disabled")
	}
}

func TestManager_ResumableUpdateReplacesHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	h.m.Observe(resumption("h-1", true))
	h.clock.Advance(time.Minute)
	h.m.Observe(resumption("h-2", true))

	got, ok := h.m.Handle()
	if !ok || got.Value != "h-2" {
		t.Fatalf("handle=%+v ok=%v, want h-2", got, ok)
	}
	if !got.LastUpdated.Equal(h.clock.Now()) {
		t.Fatalf("lastUpdated=%v, want %v", got.LastUpdated, h.clock.Now())
	}
	frag := h.m.Negotiate(context.Background())
	if frag.SessionResumption.Handle != "h-2" || !frag.Resuming {
		t.Fatalf("fragment=%+v", frag.SessionResumption)
	}
}

func TestManager_NonResumableUpdateIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	h.m.Observe(resumption("h-1", true))
	h.m.Observe(resumption("h-bad", false))

	got, _ := h.m.Handle()
	if got.Value != "h-1" {
		t.Fatalf("handle=%q, want h-1", got.Value)
	}
}

func TestManager_HandleExpiresAfterTwoHours(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	h.m.Observe(resumption("h-1", true))

	h.clock.Advance(2*time.Hour - time.Second)
	if frag := h.m.Negotiate(context.Background()); frag.SessionResumption.Handle != "h-1" {
		t.Fatalf("handle should still be offered just before 2h")
	}
	h.m.ConnectionClosed()

	h.clock.Advance(time.Second)
	frag := h.m.Negotiate(context.Background())
	if frag.SessionResumption.Handle != "" || frag.Resuming {
		t.Fatalf("expired handle negotiated: %+v", frag.SessionResumption)
	}
	if _, ok := h.m.Handle(); ok {
		t.Fatalf("expired handle reported usable")
	}
}

func TestManager_HandlePersistedAcrossManagers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	h.m.Observe(resumption("h-1", true))

	next, err := NewManager(Options{Key: "conv-1", Store: h.store, Now: h.clock.Now, Timers: lifecycle.NewTimersWithClock(h.clock)})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	frag := next.Negotiate(context.Background())
	if frag.SessionResumption.Handle != "h-1" {
		t.Fatalf("restored handle=%q, want h-1", frag.SessionResumption.Handle)
	}

	if err := next.ClearHandle(context.Background()); err != nil {
		t.Fatalf("ClearHandle() error = %v", err)
	}
	if _, ok, _ := h.store.Load(context.Background(), "conv-1"); ok {
		t.Fatalf("store still holds a handle after ClearHandle")
	}
}

func TestManager_GoAwaySchedulesCleanupBeforeDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	start := h.clock.Now()
	h.m.Observe(&protocol.ServerMessage{GoAway: &protocol.GoAway{TimeLeft: protocol.Duration(10 * time.Second)}})

	if len(h.goAways) != 1 || h.goAways[0].TimeLeft != 10*time.Second {
		t.Fatalf("goAways=%+v", h.goAways)
	}
	h.clock.Advance(4 * time.Second)
	if len(h.cleanups) != 0 {
		t.Fatalf("cleanup ran early")
	}
	h.clock.Advance(time.Second)
	if len(h.cleanups) != 1 {
		t.Fatalf("cleanups=%d, want 1", len(h.cleanups))
	}
	if got := h.cleanups[0].Sub(start); got != 5*time.Second {
		t.Fatalf("cleanup at t+%v, want t+5s", got)
	}
}

func TestManager_ShortGoAwayRunsCleanupImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	h.m.Observe(&protocol.ServerMessage{GoAway: &protocol.GoAway{TimeLeft: protocol.Duration(2 * time.Second)}})
	h.clock.Advance(0)
	if len(h.cleanups) != 1 {
		t.Fatalf("cleanups=%d, want 1", len(h.cleanups))
	}
}

func TestManager_TurnCompleteEmitted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	h.m.Observe(&protocol.ServerMessage{ServerContent: &protocol.ServerContent{TurnComplete: true}})
	h.m.Observe(&protocol.ServerMessage{ServerContent: &protocol.ServerContent{GenerationComplete: true}})
	if h.turns != 1 {
		t.Fatalf("turns=%d, want 1", h.turns)
	}
}

func TestManager_CompressionInSetup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{Enabled: true, TriggerTokens: 25600, Ratio: 0.5, SlidingWindow: true})
	frag := h.m.Negotiate(context.Background())
	cwc := frag.ContextWindowCompression
	if cwc == nil || cwc.TriggerTokens != 25600 || cwc.SlidingWindow == nil || cwc.SlidingWindow.TargetTokens != 12800 {
		t.Fatalf("compression=%+v", cwc)
	}

	var setup protocol.Setup
	frag.Apply(&setup)
	if setup.ContextWindowCompression != cwc || setup.SessionResumption == nil {
		t.Fatalf("Apply did not copy the fragment: %+v", setup)
	}
}

func TestManager_CompressionLockedWhileNegotiated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{Enabled: true, TriggerTokens: 1000, Ratio: 0.5})
	next := CompressionConfig{Enabled: true, TriggerTokens: 2000, Ratio: 0.25}

	if err := h.m.SetCompression(next); err != nil {
		t.Fatalf("SetCompression before negotiate error = %v", err)
	}
	h.m.Negotiate(context.Background())
	err := h.m.SetCompression(CompressionConfig{})
	if !core.HasCode(err, core.CodeConfigLocked) {
		t.Fatalf("SetCompression while negotiated err=%v, want config_locked", err)
	}
	if got := h.m.Compression(); got != next {
		t.Fatalf("compression=%+v, want %+v", got, next)
	}

	h.m.ConnectionClosed()
	if err := h.m.SetCompression(CompressionConfig{}); err != nil {
		t.Fatalf("SetCompression after close error = %v", err)
	}
}

func TestCompressionConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cfg CompressionConfig
		ok  bool
	}{
		{CompressionConfig{}, true},
		{CompressionConfig{Enabled: true, TriggerTokens: 100, Ratio: 1}, true},
		{CompressionConfig{Enabled: true, TriggerTokens: 100, Ratio: 0}, false},
		{CompressionConfig{Enabled: true, TriggerTokens: 100, Ratio: 1.5}, false},
		{CompressionConfig{Enabled: true, TriggerTokens: 0, Ratio: 0.5}, false},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err == nil) != tt.ok {
			t.Fatalf("Validate(%+v) err=%v, want ok=%v", tt.cfg, err, tt.ok)
		}
	}
	if _, err := NewManager(Options{Compression: CompressionConfig{Enabled: true}}); err == nil {
		t.Fatalf("NewManager should reject invalid compression")
	}
}

func TestManager_SessionDurationWarning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	h.m.ConnectionOpened()
	h.clock.Advance(9*time.Minute + 29*time.Second)
	if len(h.expiring) != 0 {
		t.Fatalf("warning fired early")
	}
	h.clock.Advance(time.Second)
	if len(h.expiring) != 1 || h.expiring[0] != 30*time.Second {
		t.Fatalf("expiring=%v, want [30s]", h.expiring)
	}
	if got := h.m.Uptime(); got != 9*time.Minute+30*time.Second {
		t.Fatalf("uptime=%v", got)
	}
}

func TestManager_ConnectionClosedCancelsTimers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CompressionConfig{})
	h.m.ConnectionOpened()
	h.m.Observe(&protocol.ServerMessage{GoAway: &protocol.GoAway{TimeLeft: protocol.Duration(10 * time.Second)}})
	h.m.ConnectionClosed()
	h.clock.Advance(time.Hour)
	if len(h.cleanups) != 0 || len(h.expiring) != 0 {
		t.Fatalf("timers fired after close: cleanups=%d expiring=%d", len(h.cleanups), len(h.expiring))
	}
}

func TestMemoryStore_ExpiredHandleNotLoaded(t *testing.T) {
	t.Parallel()

	clock := lifecycle.NewFakeClock(time.Unix(0, 0))
	s := NewMemoryStore()
	s.now = clock.Now
	_ = s.Save(context.Background(), "k", Handle{Value: "h", LastUpdated: clock.Now(), Resumable: true})
	if _, ok, _ := s.Load(context.Background(), "k"); !ok {
		t.Fatalf("fresh handle not loaded")
	}
	clock.Advance(HandleLifetime)
	if _, ok, _ := s.Load(context.Background(), "k"); ok {
		t.Fatalf("expired handle loaded")
	}
}

// Requires a reachable Redis; set VAI_LIVE_TEST_REDIS_URL to run.
func TestRedisStore_RoundTripAgainstLiveRedis(t *testing.T) {
	url := os.Getenv("VAI_LIVE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("VAI_LIVE_TEST_REDIS_URL not set")
	}

	store, err := NewRedisStoreFromURL(url)
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL() error = %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	key := "test-" + time.Now().Format("150405.000000000")
	h := Handle{Value: "h-1", LastUpdated: time.Now().UTC().Truncate(time.Millisecond), Resumable: true}
	if err := store.Save(ctx, key, h); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	defer store.Delete(ctx, key)

	got, ok, err := store.Load(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Load()=%v,%v", ok, err)
	}
	if got.Value != h.Value || !got.LastUpdated.Equal(h.LastUpdated) {
		t.Fatalf("got=%+v, want %+v", got, h)
	}
	ttl, err := store.client.TTL(ctx, store.key(key)).Result()
	if err != nil || ttl <= time.Hour || ttl > HandleLifetime {
		t.Fatalf("ttl=%v err=%v, want about 2h", ttl, err)
	}
}
