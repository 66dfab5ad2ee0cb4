// Package livecache is the shared membership layer for live sessions: the
// join and attendance sets, device-binding entries, and the rotator lease,
// all held in Redis with TTLs.
//
// Every write is mirrored into an in-process fallback, and every operation
// returns a well-defined value when Redis is unreachable by serving from
// that mirror. The coordinator stays correct with the cache degraded, at the
// cost of cross-worker consistency; the durable record marks itself degraded
// when reconciliation could not read Redis.
package livecache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/core/logger"
	"github.com/rollcall-app/rollcall/core/metrics"
)

// TTLs per the key layout. Membership sets outlive any plausible lecture;
// section maps refresh often because bindings may change at the identity
// system between sessions.
const (
	MembershipTTL = 2 * time.Hour
	DeviceTTL     = 2 * time.Hour
	SectionTTL    = 5 * time.Minute

	// DefaultTimeout bounds a single cache operation when the caller's
	// context has no deadline of its own.
	DefaultTimeout = 3 * time.Second
)

// SetStats carries the cardinalities of one session's membership sets.
type SetStats struct {
	SessionID string `json:"sessionId"`
	Joined    int64  `json:"joined"`
	Attended  int64  `json:"attended"`
}

// Cache is the shared cache client. A nil Redis client yields a cache that
// runs entirely on the in-process mirror, which is also the degraded mode.
type Cache struct {
	client  *redis.Client
	mem     *mirror
	leases  *memLeases
	logger  *slog.Logger
	healthy atomic.Bool
}

// Option configures the Cache.
type Option func(*Cache)

// WithLogger sets the logger for degradation notices.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.logger = log
		}
	}
}

// New creates a Cache over the given Redis client. client may be nil, in
// which case only the in-process mirror is used.
func New(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{
		client: client,
		mem:    newMirror(),
		leases: newMemLeases(),
		logger: logger.Noop(),
	}
	c.healthy.Store(client != nil)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Healthy reports whether the last Redis operation succeeded.
func (c *Cache) Healthy() bool { return c.healthy.Load() }

// Fallback reports whether the cache is running without Redis entirely.
func (c *Cache) Fallback() bool { return c.client == nil }

// AddJoined adds a student to the join set. Returns true when the student
// was not already a member.
func (c *Cache) AddJoined(ctx context.Context, sid, studentID string) bool {
	memAdded := c.mem.setAdd(joinedKey(sid), studentID)
	if c.client == nil {
		metrics.CacheOps.WithLabelValues("sadd", "fallback").Inc()
		return memAdded
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	var addCmd *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		addCmd = pipe.SAdd(ctx, joinedKey(sid), studentID)
		pipe.Expire(ctx, joinedKey(sid), MembershipTTL)
		return nil
	})
	if err != nil {
		c.degrade("sadd", err)
		return memAdded
	}
	c.ok("sadd")
	return addCmd.Val() == 1
}

// IsJoined reports join-set membership.
func (c *Cache) IsJoined(ctx context.Context, sid, studentID string) bool {
	if c.client == nil {
		metrics.CacheOps.WithLabelValues("sismember", "fallback").Inc()
		return c.mem.setHas(joinedKey(sid), studentID)
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	ok, err := c.client.SIsMember(ctx, joinedKey(sid), studentID).Result()
	if err != nil {
		c.degrade("sismember", err)
		return c.mem.setHas(joinedKey(sid), studentID)
	}
	c.ok("sismember")
	return ok
}

// AddAttended adds a roll number to the attendance set. Returns true on
// first add, which is the signal that drives the present counter.
func (c *Cache) AddAttended(ctx context.Context, sid, roll string) bool {
	memAdded := c.mem.setAdd(attendedKey(sid), roll)
	if c.client == nil {
		metrics.CacheOps.WithLabelValues("sadd", "fallback").Inc()
		return memAdded
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	added, err := c.client.SAdd(ctx, attendedKey(sid), roll).Result()
	if err != nil {
		c.degrade("sadd", err)
		return memAdded
	}
	c.client.Expire(ctx, attendedKey(sid), MembershipTTL)
	c.ok("sadd")
	return added == 1
}

// IsAttended reports attendance-set membership.
func (c *Cache) IsAttended(ctx context.Context, sid, roll string) bool {
	if c.client == nil {
		metrics.CacheOps.WithLabelValues("sismember", "fallback").Inc()
		return c.mem.setHas(attendedKey(sid), roll)
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	ok, err := c.client.SIsMember(ctx, attendedKey(sid), roll).Result()
	if err != nil {
		c.degrade("sismember", err)
		return c.mem.setHas(attendedKey(sid), roll)
	}
	c.ok("sismember")
	return ok
}

// AttendedMembers reads the attendance set for reconciliation. The second
// return value reports whether the read came from the in-process mirror,
// in which case the durable record should be marked degraded.
func (c *Cache) AttendedMembers(ctx context.Context, sid string) ([]string, bool) {
	if c.client == nil {
		metrics.CacheOps.WithLabelValues("smembers", "fallback").Inc()
		return c.mem.setMembers(attendedKey(sid)), true
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	members, err := c.client.SMembers(ctx, attendedKey(sid)).Result()
	if err != nil {
		c.degrade("smembers", err)
		return c.mem.setMembers(attendedKey(sid)), true
	}
	c.ok("smembers")
	return members, false
}

// RemoveMembership removes a student from both sets in one round trip.
// Either removal may be a no-op; the returns report which sets held them.
func (c *Cache) RemoveMembership(ctx context.Context, sid, studentID, roll string) (wasJoined, wasAttended bool) {
	wasJoined = c.mem.setRemove(joinedKey(sid), studentID)
	wasAttended = c.mem.setRemove(attendedKey(sid), roll)
	if c.client == nil {
		metrics.CacheOps.WithLabelValues("srem", "fallback").Inc()
		return wasJoined, wasAttended
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	var joinedCmd, attendedCmd *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		joinedCmd = pipe.SRem(ctx, joinedKey(sid), studentID)
		attendedCmd = pipe.SRem(ctx, attendedKey(sid), roll)
		return nil
	})
	if err != nil {
		c.degrade("srem", err)
		return wasJoined, wasAttended
	}
	c.ok("srem")
	return joinedCmd.Val() == 1, attendedCmd.Val() == 1
}

// ClearSession deletes both membership sets after reconciliation.
func (c *Cache) ClearSession(ctx context.Context, sid string) {
	c.mem.del(joinedKey(sid), attendedKey(sid))
	if c.client == nil {
		return
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.client.Del(ctx, joinedKey(sid), attendedKey(sid)).Err(); err != nil {
		c.degrade("del", err)
		return
	}
	c.ok("del")
}

// Stats reads the set cardinalities for the given sessions in one pipelined
// batch.
func (c *Cache) Stats(ctx context.Context, sids ...string) []SetStats {
	out := make([]SetStats, len(sids))
	for i, sid := range sids {
		out[i].SessionID = sid
	}

	if c.client == nil {
		metrics.CacheOps.WithLabelValues("scard", "fallback").Inc()
		for i, sid := range sids {
			out[i].Joined = int64(len(c.mem.setMembers(joinedKey(sid))))
			out[i].Attended = int64(len(c.mem.setMembers(attendedKey(sid))))
		}
		return out
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	joined := make([]*redis.IntCmd, len(sids))
	attended := make([]*redis.IntCmd, len(sids))
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, sid := range sids {
			joined[i] = pipe.SCard(ctx, joinedKey(sid))
			attended[i] = pipe.SCard(ctx, attendedKey(sid))
		}
		return nil
	})
	if err != nil {
		c.degrade("scard", err)
		for i, sid := range sids {
			out[i].Joined = int64(len(c.mem.setMembers(joinedKey(sid))))
			out[i].Attended = int64(len(c.mem.setMembers(attendedKey(sid))))
		}
		return out
	}
	c.ok("scard")
	for i := range sids {
		out[i].Joined = joined[i].Val()
		out[i].Attended = attended[i].Val()
	}
	return out
}

// Device returns the cached fingerprint for a student.
func (c *Cache) Device(ctx context.Context, studentID string) (string, bool) {
	if c.client == nil {
		metrics.CacheOps.WithLabelValues("get", "fallback").Inc()
		return c.mem.get(deviceKey(studentID))
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	val, err := c.client.Get(ctx, deviceKey(studentID)).Result()
	if err == redis.Nil {
		c.ok("get")
		metrics.CacheOps.WithLabelValues("get", "miss").Inc()
		return "", false
	}
	if err != nil {
		c.degrade("get", err)
		return c.mem.get(deviceKey(studentID))
	}
	c.ok("get")
	metrics.CacheOps.WithLabelValues("get", "hit").Inc()
	return val, true
}

// SetDevice caches a student's fingerprint.
func (c *Cache) SetDevice(ctx context.Context, studentID, fp string) {
	c.mem.set(deviceKey(studentID), fp, DeviceTTL)
	if c.client == nil {
		return
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.client.Set(ctx, deviceKey(studentID), fp, DeviceTTL).Err(); err != nil {
		c.degrade("set", err)
		return
	}
	c.ok("set")
}

// SectionMap returns the section-wide student→fingerprint map.
func (c *Cache) SectionMap(ctx context.Context, t attend.Triple) (map[string]string, bool) {
	if c.client == nil {
		metrics.CacheOps.WithLabelValues("hgetall", "fallback").Inc()
		return c.mem.getMap(sectionKey(t))
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	m, err := c.client.HGetAll(ctx, sectionKey(t)).Result()
	if err != nil {
		c.degrade("hgetall", err)
		return c.mem.getMap(sectionKey(t))
	}
	c.ok("hgetall")
	if len(m) == 0 {
		metrics.CacheOps.WithLabelValues("hgetall", "miss").Inc()
		return nil, false
	}
	metrics.CacheOps.WithLabelValues("hgetall", "hit").Inc()
	return m, true
}

// SetSectionMap primes the section-wide binding map.
func (c *Cache) SetSectionMap(ctx context.Context, t attend.Triple, m map[string]string) {
	if len(m) == 0 {
		return
	}
	c.mem.setMap(sectionKey(t), m, SectionTTL)
	if c.client == nil {
		return
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		args := make([]any, 0, len(m)*2)
		for k, v := range m {
			args = append(args, k, v)
		}
		pipe.HSet(ctx, sectionKey(t), args...)
		pipe.Expire(ctx, sectionKey(t), SectionTTL)
		return nil
	})
	if err != nil {
		c.degrade("hset", err)
		return
	}
	c.ok("hset")
}

func (c *Cache) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

func (c *Cache) degrade(op string, err error) {
	metrics.CacheOps.WithLabelValues(op, "fallback").Inc()
	if c.healthy.Swap(false) {
		c.logger.Warn("shared cache degraded, serving from in-process mirror",
			"op", op, logger.Error(err))
	}
}

func (c *Cache) ok(op string) {
	if !c.healthy.Swap(true) && c.client != nil {
		c.logger.Info("shared cache recovered", "op", op)
	}
}
