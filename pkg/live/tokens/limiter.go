package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

const (
	defaultMaxCallers = 10_000
	defaultCallerTTL  = 30 * time.Minute
)

// RateLimit bounds credential issues per caller. Zero RPS or Burst disables it.
type RateLimit struct {
	RPS   float64
	Burst int

	// MaxCallers bounds the in-memory map; single process only.
	MaxCallers int
	CallerTTL  time.Duration
}

func (c RateLimit) enabled() bool { return c.RPS > 0 && c.Burst > 0 }

type limiter struct {
	cfg RateLimit

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

func newLimiter(cfg RateLimit) *limiter {
	if cfg.MaxCallers <= 0 {
		cfg.MaxCallers = defaultMaxCallers
	}
	if cfg.CallerTTL <= 0 {
		cfg.CallerTTL = defaultCallerTTL
	}
	return &limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// callerKey hashes the bearer token so raw keys never sit in memory as map keys.
func callerKey(apiKey string) string {
	if apiKey == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(apiKey))
	return "k_" + hex.EncodeToString(sum[:16])
}

// allow takes one token for caller. When denied it returns the whole seconds
// until a token is available, at least 1.
func (l *limiter) allow(caller string, now time.Time) (bool, int) {
	if !l.cfg.enabled() {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[caller]
	if !ok {
		if len(l.buckets) >= l.cfg.MaxCallers {
			l.evictLocked(now)
		}
		b = &bucket{tokens: float64(l.cfg.Burst), last: now}
		l.buckets[caller] = b
	}
	b.lastSeen = now

	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(float64(l.cfg.Burst), b.tokens+elapsed*l.cfg.RPS)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	retryAfter := int(math.Ceil((1 - b.tokens) / l.cfg.RPS))
	return false, max(retryAfter, 1)
}

func (l *limiter) evictLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.CallerTTL {
			delete(l.buckets, k)
		}
	}
	// Still full: drop an arbitrary caller to keep memory bounded.
	if len(l.buckets) >= l.cfg.MaxCallers {
		for k := range l.buckets {
			delete(l.buckets, k)
			break
		}
	}
}
