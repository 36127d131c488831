package ratelimit

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const shardCount = 64

// MemoryLimiter keeps one token bucket per key in process memory. Keys are
// partitioned over shards so unrelated clients never contend on one lock.
// Each shard keeps its buckets in LRU order and, once over its share of
// MaxKeys, drops the least recently used bucket only if it has been idle
// for a whole window (and is therefore full again).
type MemoryLimiter struct {
	cfg      Config
	perShard int
	now      func() time.Time
	shards   [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List // front = most recently used
}

type bucket struct {
	key      string
	lastSeen time.Time

	mu  sync.Mutex // orders admissions for one key
	lim *rate.Limiter
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

// NewMemoryLimiter creates an empty limiter. Buckets are created on first use.
func NewMemoryLimiter(cfg Config, opts ...MemoryOption) (*MemoryLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &MemoryLimiter{cfg: cfg, now: time.Now}
	if cfg.MaxKeys > 0 {
		l.perShard = (cfg.MaxKeys + shardCount - 1) / shardCount
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*list.Element)
		l.shards[i].lru = list.New()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Admit consumes one token for key.
func (l *MemoryLimiter) Admit(_ context.Context, key string) (Decision, error) {
	now := l.now()
	b := l.bucketFor(key, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, Remaining: 0, RetryAfter: delay}, ErrRateLimitExceeded
	}
	remaining := int(b.lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Len returns the number of live buckets.
func (l *MemoryLimiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

func (l *MemoryLimiter) bucketFor(key string, now time.Time) *bucket {
	s := &l.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.buckets[key]; ok {
		b := el.Value.(*bucket)
		b.lastSeen = now
		s.lru.MoveToFront(el)
		return b
	}

	b := &bucket{
		key:      key,
		lastSeen: now,
		lim:      rate.NewLimiter(rate.Every(l.cfg.interval()), l.cfg.Capacity),
	}
	s.buckets[key] = s.lru.PushFront(b)
	l.evict(s, now)
	return b
}

// evict trims idle buckets from the cold end of the shard. Caller holds s.mu.
func (l *MemoryLimiter) evict(s *shard, now time.Time) {
	if l.perShard == 0 {
		return
	}
	for len(s.buckets) > l.perShard {
		el := s.lru.Back()
		b := el.Value.(*bucket)
		if now.Sub(b.lastSeen) < l.cfg.Window {
			return
		}
		s.lru.Remove(el)
		delete(s.buckets, b.key)
	}
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
