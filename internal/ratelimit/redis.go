package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills lazily from the stored timestamp, one token per
// interval ms, and takes one token.
// Returns {allowed, floor(tokens left), retry after ms}.
var tokenBucket = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed / interval)

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) * interval)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, math.floor(tokens), retry}
`)

// RedisLimiter keeps buckets in Redis so every replica shares one budget
// per key. The script runs atomically, which orders calls per key.
type RedisLimiter struct {
	rdb    redis.Scripter
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter on rdb. MaxKeys is ignored; idle
// buckets expire after two windows.
func NewRedisLimiter(rdb redis.Scripter, cfg Config) (*RedisLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RedisLimiter{rdb: rdb, cfg: cfg, prefix: "ratelimit:", now: time.Now}, nil
}

// Admit consumes one token for key.
func (l *RedisLimiter) Admit(ctx context.Context, key string) (Decision, error) {
	intervalMs := float64(l.cfg.Window.Milliseconds()) / float64(l.cfg.Capacity)
	res, err := tokenBucket.Run(ctx, l.rdb, []string{l.prefix + key},
		l.cfg.Capacity,
		intervalMs,
		l.now().UnixMilli(),
		(2 * l.cfg.Window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis admit %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	d := Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}
	if !d.Allowed {
		d.Remaining = 0
		return d, ErrRateLimitExceeded
	}
	return d, nil
}
