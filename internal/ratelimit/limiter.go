// Package ratelimit admits requests per client key using token buckets.
// Two backends exist: an in-process sharded bucket map and a Redis bucket
// shared by every replica.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimitExceeded is returned when the key's bucket is empty. It is
// never retried internally.
var ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter consumes one token from the bucket of key. A denied call returns
// the Decision together with ErrRateLimitExceeded.
type Limiter interface {
	Admit(ctx context.Context, key string) (Decision, error)
}

// Config holds bucket parameters shared by both backends.
type Config struct {
	Capacity int           // tokens per bucket
	Window   time.Duration // time to refill an empty bucket
	MaxKeys  int           // soft cap on in-memory buckets, 0 for none
}

// DefaultConfig is 100 requests per minute per key.
func DefaultConfig() Config {
	return Config{Capacity: 100, Window: time.Minute, MaxKeys: 10000}
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return errors.New("ratelimit: capacity must be positive")
	}
	if c.Window <= 0 {
		return errors.New("ratelimit: window must be positive")
	}
	// A refill interval under 1ns truncates to 0, which rate.Every treats
	// as unlimited.
	if c.Window < time.Duration(c.Capacity) {
		return errors.New("ratelimit: window must be at least capacity nanoseconds")
	}
	if c.MaxKeys < 0 {
		return errors.New("ratelimit: max keys must not be negative")
	}
	return nil
}

// interval is the time to refill one token.
func (c Config) interval() time.Duration {
	return c.Window / time.Duration(c.Capacity)
}
