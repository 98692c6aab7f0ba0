package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HandleStore persists resumption handles so another process can resume.
// Load reports false for a missing or no longer usable handle.
type HandleStore interface {
	Load(ctx context.Context, key string) (Handle, bool, error)
	Save(ctx context.Context, key string, h Handle) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps handles in process.
type MemoryStore struct {
	mu      sync.RWMutex
	handles map[string]Handle
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		handles: make(map[string]Handle),
		now:     time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, key string) (Handle, bool, error) {
	s.mu.RLock()
	h, ok := s.handles[key]
	s.mu.RUnlock()
	if !ok || !h.Usable(s.now()) {
		return Handle{}, false, nil
	}
	return h, true, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[key] = h
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, key)
	return nil
}

const handleKeyPrefix = "vai-live:handle:"

// RedisStore keeps handles in Redis with a TTL equal to the handle's
// remaining lifetime, so expired handles disappear on their own.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: handleKeyPrefix,
		now:    time.Now,
	}
}

// NewRedisStoreFromURL connects using a redis:// URL.
func NewRedisStoreFromURL(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (Handle, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Handle{}, false, nil
	}
	if err != nil {
		return Handle{}, false, fmt.Errorf("load handle: %w", err)
	}

	var h Handle
	if err := json.Unmarshal(val, &h); err != nil {
		return Handle{}, false, fmt.Errorf("decode handle: %w", err)
	}
	if !h.Usable(s.now()) {
		return Handle{}, false, nil
	}
	return h, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, h Handle) error {
	ttl := h.Remaining(s.now())
	if ttl <= 0 || !h.Resumable {
		return s.Delete(ctx, key)
	}
	val, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("save handle: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}
