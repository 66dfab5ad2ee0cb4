// Package devicecache resolves a student's registered device fingerprint
// through three tiers: the per-student cache entry, the section-wide map,
// and finally the identity database. Identity reads batch-load the whole
// section and prime both cache tiers, so after warmup nearly every lookup
// stays off the database.
package devicecache

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/livecache"
	"github.com/rollcall-app/rollcall/core/metrics"
	"github.com/rollcall-app/rollcall/integration/identity"
)

// ErrNoBinding is returned when the student exists but has never registered
// a device fingerprint.
var ErrNoBinding = errors.New("devicecache: no device binding registered")

// IdentityReader is the slice of the identity store this cache needs.
type IdentityReader interface {
	Fingerprint(ctx context.Context, studentID string) (string, error)
	SectionBindings(ctx context.Context, dept, semester, section string) (map[string]string, error)
}

// Cache layers the shared cache over the identity database.
type Cache struct {
	live     *livecache.Cache
	identity IdentityReader
	loads    singleflight.Group
}

// New creates a device-binding cache.
func New(live *livecache.Cache, reader IdentityReader) *Cache {
	return &Cache{live: live, identity: reader}
}

// Lookup returns the registered fingerprint for a student. The triple scopes
// the section batch-load on a miss.
func (c *Cache) Lookup(ctx context.Context, studentID string, t attend.Triple) (string, error) {
	if fp, ok := c.live.Device(ctx, studentID); ok {
		metrics.DeviceLookups.WithLabelValues("device").Inc()
		return fp, nil
	}

	if m, ok := c.live.SectionMap(ctx, t); ok {
		if fp, ok := m[studentID]; ok {
			metrics.DeviceLookups.WithLabelValues("section").Inc()
			c.live.SetDevice(ctx, studentID, fp)
			return fp, nil
		}
		// The section map omits students without a binding; do not hit
		// the database again for a student the batch already covered.
		metrics.DeviceLookups.WithLabelValues("section").Inc()
		return "", ErrNoBinding
	}

	m, err := c.loadSection(ctx, t)
	if err != nil {
		// Batch load failed; fall back to a single-row read so one slow
		// section query cannot block an individual scan.
		fp, ferr := c.identity.Fingerprint(ctx, studentID)
		if errors.Is(ferr, identity.ErrNotFound) {
			return "", attend.ErrNotStudent
		}
		if ferr != nil {
			return "", err
		}
		metrics.DeviceLookups.WithLabelValues("identity").Inc()
		if fp == "" {
			return "", ErrNoBinding
		}
		c.live.SetDevice(ctx, studentID, fp)
		return fp, nil
	}

	metrics.DeviceLookups.WithLabelValues("identity").Inc()
	fp, ok := m[studentID]
	if !ok {
		return "", ErrNoBinding
	}
	return fp, nil
}

// Preload warms the section map for a triple. Called at session creation so
// the first scans of the session do not pay the database round trip.
func (c *Cache) Preload(ctx context.Context, t attend.Triple) error {
	if _, ok := c.live.SectionMap(ctx, t); ok {
		return nil
	}
	_, err := c.loadSection(ctx, t)
	return err
}

// loadSection batch-loads one section's bindings and primes both cache
// tiers. Concurrent loads of the same section collapse into one query.
func (c *Cache) loadSection(ctx context.Context, t attend.Triple) (map[string]string, error) {
	v, err, _ := c.loads.Do(t.Key(), func() (any, error) {
		m, err := c.identity.SectionBindings(ctx, t.Department, t.Semester, t.Section)
		if err != nil {
			return nil, err
		}
		c.live.SetSectionMap(ctx, t, m)
		for id, fp := range m {
			c.live.SetDevice(ctx, id, fp)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}
