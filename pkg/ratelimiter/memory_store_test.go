package ratelimiter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall/pkg/ratelimiter"
)

func newLimiter(t *testing.T, cfg ratelimiter.Config) *ratelimiter.Bucket {
	t.Helper()
	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	t.Cleanup(store.Close)
	limiter, err := ratelimiter.NewBucket(store, cfg)
	require.NoError(t, err)
	return limiter
}

func TestBucketDrainAndDeny(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := newLimiter(t, ratelimiter.Config{
		Capacity:       3,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Greater(t, res.RetryAfter(), time.Duration(0))
}

func TestBucketRefill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := newLimiter(t, ratelimiter.Config{
		Capacity:       2,
		RefillRate:     2,
		RefillInterval: 50 * time.Millisecond,
	})

	_, err := limiter.AllowN(ctx, "k", 2)
	require.NoError(t, err)
	res, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Allowed())

	time.Sleep(60 * time.Millisecond)

	res, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed(), "tokens restored after the interval")
}

func TestBucketKeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := newLimiter(t, ratelimiter.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	res, err := limiter.Allow(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Allowed())

	res, err = limiter.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Allowed())

	res, err = limiter.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed(), "other keys unaffected")
}

func TestBucketReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := newLimiter(t, ratelimiter.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	_, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	res, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Allowed())

	require.NoError(t, limiter.Reset(ctx, "k"))

	res, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestBucketValidation(t *testing.T) {
	t.Parallel()

	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	t.Cleanup(store.Close)

	_, err := ratelimiter.NewBucket(nil, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second})
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)

	_, err = ratelimiter.NewBucket(store, ratelimiter.Config{})
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)

	limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second})
	require.NoError(t, err)
	_, err = limiter.AllowN(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)
}

func TestBucketConcurrentConsumption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := newLimiter(t, ratelimiter.Config{
		Capacity:       100,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				res, err := limiter.Allow(ctx, "k")
				if err != nil {
					continue
				}
				if res.Allowed() {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, admitted, "exactly capacity admissions under contention")
}
