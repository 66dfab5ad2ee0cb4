package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// bucketState is one key's bucket between refills.
type bucketState struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
}

// MemoryStore keeps bucket state in process memory. Suitable for a single
// worker; use RedisStore when the limit must hold across a cluster. A
// janitor goroutine drops buckets that have been idle long enough to be
// full again.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucketState

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval overrides how often stale buckets are dropped.
// Zero disables the janitor.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.cleanupInterval = interval
	}
}

// NewMemoryStore creates a store and starts its janitor.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		buckets:         make(map[string]*bucketState),
		cleanupInterval: time.Minute,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}
	if ms.cleanupInterval > 0 {
		go ms.janitor()
	}
	return ms
}

// ConsumeTokens implements Store.
func (ms *MemoryStore) ConsumeTokens(_ context.Context, key string, tokens int, config Config) (int, time.Time, error) {
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	b, ok := ms.buckets[key]
	if !ok {
		b = &bucketState{tokens: config.Capacity, lastRefill: now}
		ms.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastRefill); elapsed >= config.RefillInterval {
		cycles := int(elapsed / config.RefillInterval)
		b.tokens = min(config.Capacity, b.tokens+cycles*config.RefillRate)
		b.lastRefill = b.lastRefill.Add(time.Duration(cycles) * config.RefillInterval)
	}
	b.lastAccess = now

	remaining := b.tokens - tokens
	if remaining >= 0 {
		b.tokens = remaining
	}
	return remaining, b.lastRefill.Add(config.RefillInterval), nil
}

// Reset implements Store.
func (ms *MemoryStore) Reset(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.buckets, key)
	return nil
}

// Close stops the janitor. Idempotent.
func (ms *MemoryStore) Close() {
	ms.stopOnce.Do(func() { close(ms.stop) })
}

func (ms *MemoryStore) janitor() {
	ticker := time.NewTicker(ms.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ms.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * ms.cleanupInterval)
			ms.mu.Lock()
			for key, b := range ms.buckets {
				if b.lastAccess.Before(cutoff) {
					delete(ms.buckets, key)
				}
			}
			ms.mu.Unlock()
		}
	}
}
