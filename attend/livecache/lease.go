package livecache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rollcall-app/rollcall/core/metrics"
)

// LeaseTTL is how long a rotator lease lives without a refresh. Three
// rotation periods, so a single missed refresh does not lose the lease.
const LeaseTTL = 15 * time.Second

// refreshLeaseScript extends the lease only if the caller still owns it.
var refreshLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseLeaseScript deletes the lease only if the caller still owns it.
var releaseLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// memLeases backs leases when Redis is unavailable. In fallback mode there
// is a single process, so a plain map gives the same exclusivity.
type memLeases struct {
	mu     sync.Mutex
	owners map[string]memVal
}

func newMemLeases() *memLeases {
	return &memLeases{owners: make(map[string]memVal)}
}

func (l *memLeases) acquire(sid, owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.owners[sid]
	if ok && time.Now().Before(cur.expiresAt) && cur.val != owner {
		return false
	}
	l.owners[sid] = memVal{val: owner, expiresAt: time.Now().Add(LeaseTTL)}
	return true
}

func (l *memLeases) refresh(sid, owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.owners[sid]
	if !ok || time.Now().After(cur.expiresAt) || cur.val != owner {
		return false
	}
	l.owners[sid] = memVal{val: owner, expiresAt: time.Now().Add(LeaseTTL)}
	return true
}

func (l *memLeases) release(sid, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.owners[sid]; ok && cur.val == owner {
		delete(l.owners, sid)
	}
}

// AcquireRotatorLease claims exclusive rotation ownership for a session.
// Returns false when another worker already holds the lease.
func (c *Cache) AcquireRotatorLease(ctx context.Context, sid, owner string) bool {
	if c.client == nil {
		return c.leases.acquire(sid, owner)
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	ok, err := c.client.SetNX(ctx, leaseKey(sid), owner, LeaseTTL).Result()
	if err != nil {
		c.degrade("setnx", err)
		return c.leases.acquire(sid, owner)
	}
	c.ok("setnx")
	return ok
}

// RefreshRotatorLease extends the lease if owner still holds it. A false
// return means the lease expired or was taken over, and the caller must
// stop rotating.
func (c *Cache) RefreshRotatorLease(ctx context.Context, sid, owner string) bool {
	if c.client == nil {
		return c.leases.refresh(sid, owner)
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	n, err := refreshLeaseScript.Run(ctx, c.client, []string{leaseKey(sid)}, owner, LeaseTTL.Milliseconds()).Int()
	if err != nil {
		c.degrade("eval", err)
		return c.leases.refresh(sid, owner)
	}
	c.ok("eval")
	return n == 1
}

// ReleaseRotatorLease gives up the lease if owner still holds it.
func (c *Cache) ReleaseRotatorLease(ctx context.Context, sid, owner string) {
	c.leases.release(sid, owner)
	if c.client == nil {
		return
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := releaseLeaseScript.Run(ctx, c.client, []string{leaseKey(sid)}, owner).Err(); err != nil && err != redis.Nil {
		c.degrade("eval", err)
		return
	}
	c.ok("eval")
	metrics.CacheOps.WithLabelValues("eval", "hit").Inc()
}
