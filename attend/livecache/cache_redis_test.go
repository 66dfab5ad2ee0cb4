package livecache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall/attend/livecache"
)

func redisCache(t *testing.T) (*livecache.Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return livecache.New(client), mr
}

func TestRedisCache_MembershipSharedAcrossWorkers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	newWorker := func() *livecache.Cache {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return livecache.New(client)
	}
	a, b := newWorker(), newWorker()

	require.True(t, a.AddJoined(ctx, "s1", "stu-1"))
	assert.False(t, b.AddJoined(ctx, "s1", "stu-1"), "join already recorded by the other worker")
	assert.True(t, b.IsJoined(ctx, "s1", "stu-1"))

	require.True(t, a.AddAttended(ctx, "s1", "07"))
	assert.True(t, b.IsAttended(ctx, "s1", "07"))

	members, degraded := b.AttendedMembers(ctx, "s1")
	assert.Equal(t, []string{"07"}, members)
	assert.False(t, degraded, "healthy reads are authoritative")
}

func TestRedisCache_Stats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := redisCache(t)

	c.AddJoined(ctx, "s1", "stu-1")
	c.AddJoined(ctx, "s1", "stu-2")
	c.AddAttended(ctx, "s1", "01")

	stats := c.Stats(ctx, "s1", "s2")
	require.Len(t, stats, 2)
	assert.Equal(t, int64(2), stats[0].Joined)
	assert.Equal(t, int64(1), stats[0].Attended)
	assert.Zero(t, stats[1].Joined)
	assert.Zero(t, stats[1].Attended)
}

func TestRedisCache_ClearSessionDeletesKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mr := redisCache(t)

	c.AddJoined(ctx, "s1", "stu-1")
	c.AddAttended(ctx, "s1", "01")
	require.True(t, mr.Exists("session:s1:joined"))
	require.True(t, mr.Exists("session:s1:attended"))

	c.ClearSession(ctx, "s1")
	assert.False(t, mr.Exists("session:s1:joined"))
	assert.False(t, mr.Exists("session:s1:attended"))
}

func TestRedisCache_DegradesToMirrorOnOutage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mr := redisCache(t)

	c.AddAttended(ctx, "s1", "01")
	c.AddAttended(ctx, "s1", "05")
	require.True(t, c.Healthy())

	mr.Close()

	assert.True(t, c.AddAttended(ctx, "s1", "12"), "writes keep landing in the mirror")
	assert.False(t, c.Healthy())

	members, degraded := c.AttendedMembers(ctx, "s1")
	assert.True(t, degraded, "outage reads must be marked degraded")
	assert.ElementsMatch(t, []string{"01", "05", "12"}, members,
		"mirror retains everything written before and during the outage")
}

func TestRedisCache_DeviceAndSectionMap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mr := redisCache(t)

	_, ok := c.Device(ctx, "stu-1")
	require.False(t, ok)

	c.SetDevice(ctx, "stu-1", "fp-abc")
	fp, ok := c.Device(ctx, "stu-1")
	require.True(t, ok)
	assert.Equal(t, "fp-abc", fp)

	ttl := mr.TTL("device:stu-1")
	assert.Equal(t, livecache.DeviceTTL, ttl)
}

func TestRedisCache_RotatorLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	newWorker := func() *livecache.Cache {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return livecache.New(client)
	}
	a, b := newWorker(), newWorker()

	require.True(t, a.AcquireRotatorLease(ctx, "s1", "worker-a"))
	assert.False(t, b.AcquireRotatorLease(ctx, "s1", "worker-b"),
		"lease is exclusive across workers")

	assert.True(t, a.RefreshRotatorLease(ctx, "s1", "worker-a"))
	assert.False(t, b.RefreshRotatorLease(ctx, "s1", "worker-b"),
		"refresh only succeeds for the holder")

	b.ReleaseRotatorLease(ctx, "s1", "worker-b")
	assert.True(t, a.RefreshRotatorLease(ctx, "s1", "worker-a"),
		"release by a non-holder is a no-op")

	a.ReleaseRotatorLease(ctx, "s1", "worker-a")
	assert.True(t, b.AcquireRotatorLease(ctx, "s1", "worker-b"),
		"released lease is up for grabs")

	mr.FastForward(livecache.LeaseTTL + time.Second)
	assert.True(t, a.AcquireRotatorLease(ctx, "s1", "worker-a"),
		"expired lease is up for grabs")
}
