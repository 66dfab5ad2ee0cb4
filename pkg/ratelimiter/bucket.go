// Package ratelimiter implements token bucket rate limiting over a
// pluggable store. Buckets hold Capacity tokens and gain RefillRate more
// every RefillInterval; a request is admitted while a token is available.
// MemoryStore serves a single worker, RedisStore shares buckets across a
// cluster.
package ratelimiter

import (
	"context"
	"time"
)

// Config defines token bucket parameters.
type Config struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity int
	// RefillRate is how many tokens are added per refill interval.
	RefillRate int
	// RefillInterval is the period between refills.
	RefillInterval time.Duration
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Capacity <= 0 || c.RefillRate <= 0 || c.RefillInterval <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Result reports the outcome of a token consumption attempt.
type Result struct {
	// Limit is the bucket capacity.
	Limit int
	// Remaining is the token count after the attempt. Negative means the
	// attempt was denied.
	Remaining int
	// ResetAt is when the next refill happens.
	ResetAt time.Time
}

// Allowed reports whether the attempt succeeded.
func (r *Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter returns how long to wait before the next attempt can succeed.
// Zero when the attempt was allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed() {
		return 0
	}
	return time.Until(r.ResetAt)
}

// Store persists bucket state. Implementations must be safe for concurrent
// use.
type Store interface {
	// ConsumeTokens refills the bucket per config, then deducts tokens.
	// The returned remaining count may be negative when the bucket is
	// overdrawn; callers treat that as denial.
	ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (remaining int, resetAt time.Time, err error)
	// Reset drops the bucket state for the key.
	Reset(ctx context.Context, key string) error
}

// RateLimiter is the consumption contract used by middleware.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
	AllowN(ctx context.Context, key string, n int) (*Result, error)
}

// Bucket implements RateLimiter with the token bucket algorithm over a
// pluggable store.
type Bucket struct {
	store  Store
	config Config
}

// NewBucket creates a rate limiter with the given store and config.
func NewBucket(store Store, config Config) (*Bucket, error) {
	if store == nil {
		return nil, ErrInvalidConfig
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Bucket{store: store, config: config}, nil
}

// Allow consumes a single token for the key.
func (b *Bucket) Allow(ctx context.Context, key string) (*Result, error) {
	return b.AllowN(ctx, key, 1)
}

// AllowN consumes n tokens for the key.
func (b *Bucket) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, ErrInvalidTokenCount
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrContextCancelled
	}

	remaining, resetAt, err := b.store.ConsumeTokens(ctx, key, n, b.config)
	if err != nil {
		return nil, err
	}
	return &Result{
		Limit:     b.config.Capacity,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the bucket for a key, lifting any current denial.
func (b *Bucket) Reset(ctx context.Context, key string) error {
	return b.store.Reset(ctx, key)
}
