package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-live/pkg/live/lifecycle"
)

// fakeRedis implements the commands RedisStore issues. Other methods of the
// embedded interface panic if called.
type fakeRedis struct {
	redis.UniversalClient

	mu      sync.Mutex
	now     func() time.Time
	vals    map[string]string
	expires map[string]time.Time
	ttls    map[string]time.Duration
	getErr  error
}

func newFakeRedis(now func() time.Time) *fakeRedis {
	return &fakeRedis{
		now:     now,
		vals:    make(map[string]string),
		expires: make(map[string]time.Time),
		ttls:    make(map[string]time.Duration),
	}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.vals[key]
	if !ok || !f.now().Before(f.expires[key]) {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := value.([]byte)
	f.vals[key] = string(b)
	f.expires[key] = f.now().Add(ttl)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.vals[k]; ok {
			n++
		}
		delete(f.vals, k)
		delete(f.expires, k)
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vals[key]
	return ok
}

func newFakeRedisStore(t *testing.T) (*RedisStore, *fakeRedis, *lifecycle.FakeClock) {
	t.Helper()
	clock := lifecycle.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	rdb := newFakeRedis(clock.Now)
	s := NewRedisStore(rdb)
	s.now = clock.Now
	return s, rdb, clock
}

func TestRedisStore_TTLTracksHandleLifetime(t *testing.T) {
	t.Parallel()

	s, rdb, clock := newFakeRedisStore(t)
	ctx := context.Background()

	h := Handle{Value: "h-1", LastUpdated: clock.Now().Add(-30 * time.Minute), Resumable: true}
	if err := s.Save(ctx, "kitchen", h); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got, want := rdb.ttls[handleKeyPrefix+"kitchen"], HandleLifetime-30*time.Minute; got != want {
		t.Fatalf("ttl=%v, want %v", got, want)
	}
	got, ok, err := s.Load(ctx, "kitchen")
	if err != nil || !ok || got.Value != "h-1" || !got.LastUpdated.Equal(h.LastUpdated) {
		t.Fatalf("Load()=%+v,%v,%v", got, ok, err)
	}

	clock.Advance(HandleLifetime - 30*time.Minute)
	if _, ok, err := s.Load(ctx, "kitchen"); ok || err != nil {
		t.Fatalf("expired handle Load()=%v,%v, want false,nil", ok, err)
	}
}

func TestRedisStore_UnusableHandleDeletes(t *testing.T) {
	t.Parallel()

	s, rdb, clock := newFakeRedisStore(t)
	ctx := context.Background()
	key := handleKeyPrefix + "k"

	if err := s.Save(ctx, "k", Handle{Value: "h-1", LastUpdated: clock.Now(), Resumable: true}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, "k", Handle{Value: "h-2", LastUpdated: clock.Now(), Resumable: false}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if rdb.has(key) {
		t.Fatalf("non-resumable handle left the old one stored")
	}

	if err := s.Save(ctx, "k", Handle{Value: "h-3", LastUpdated: clock.Now().Add(-HandleLifetime), Resumable: true}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if rdb.has(key) {
		t.Fatalf("expired handle was stored")
	}
}

func TestRedisStore_LoadErrors(t *testing.T) {
	t.Parallel()

	s, rdb, _ := newFakeRedisStore(t)
	ctx := context.Background()

	rdb.Set(ctx, handleKeyPrefix+"bad", []byte("{not json"), time.Hour)
	if _, _, err := s.Load(ctx, "bad"); err == nil || !strings.Contains(err.Error(), "decode handle") {
		t.Fatalf("Load() error = %v, want decode handle", err)
	}

	if _, ok, err := s.Load(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing Load()=%v,%v, want false,nil", ok, err)
	}

	down := errors.New("connection refused")
	rdb.getErr = down
	if _, _, err := s.Load(ctx, "bad"); !errors.Is(err, down) {
		t.Fatalf("Load() error = %v, want wrapped %v", err, down)
	}
}
