package devicecache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/devicecache"
	"github.com/rollcall-app/rollcall/attend/livecache"
	"github.com/rollcall-app/rollcall/integration/identity"
)

type fakeIdentity struct {
	mu           sync.Mutex
	students     map[string]string
	sections     map[string]map[string]string
	sectionCalls atomic.Int64
	failSections bool
}

func (f *fakeIdentity) Fingerprint(_ context.Context, studentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.students[studentID]
	if !ok {
		return "", identity.ErrNotFound
	}
	return fp, nil
}

func (f *fakeIdentity) SectionBindings(_ context.Context, dept, sem, sec string) (map[string]string, error) {
	f.sectionCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSections {
		return nil, errors.New("identity unavailable")
	}
	key := dept + "-" + sem + "-" + sec
	out := make(map[string]string, len(f.sections[key]))
	for k, v := range f.sections[key] {
		out[k] = v
	}
	return out, nil
}

var tripleA = attend.Triple{Department: "CSE", Semester: "5", Section: "A"}

func newFixture() (*devicecache.Cache, *livecache.Cache, *fakeIdentity) {
	live := livecache.New(nil)
	ident := &fakeIdentity{
		students: map[string]string{
			"stu-1": "v1:aa",
			"stu-2": "v1:bb",
			"stu-3": "", // registered student, no binding yet
		},
		sections: map[string]map[string]string{
			"CSE-5-A": {"stu-1": "v1:aa", "stu-2": "v1:bb"},
		},
	}
	return devicecache.New(live, ident), live, ident
}

func TestCache_Lookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dc, live, ident := newFixture()

	// Cold lookup loads the whole section once.
	fp, err := dc.Lookup(ctx, "stu-1", tripleA)
	require.NoError(t, err)
	assert.Equal(t, "v1:aa", fp)
	assert.EqualValues(t, 1, ident.sectionCalls.Load())

	// Both tiers are primed now.
	_, ok := live.Device(ctx, "stu-2")
	assert.True(t, ok)
	_, ok = live.SectionMap(ctx, tripleA)
	assert.True(t, ok)

	// Warm lookups never touch identity again.
	fp, err = dc.Lookup(ctx, "stu-2", tripleA)
	require.NoError(t, err)
	assert.Equal(t, "v1:bb", fp)
	assert.EqualValues(t, 1, ident.sectionCalls.Load())
}

func TestCache_Lookup_NoBinding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dc, _, _ := newFixture()

	// stu-3 is in the section but absent from the bindings map.
	_, err := dc.Lookup(ctx, "stu-3", tripleA)
	assert.ErrorIs(t, err, devicecache.ErrNoBinding)
}

func TestCache_Lookup_UnknownStudent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dc, _, ident := newFixture()
	ident.failSections = true

	// With the batch path down, the single-row fallback reports unknown
	// students as a credential problem, not a transient one.
	_, err := dc.Lookup(ctx, "ghost", tripleA)
	assert.ErrorIs(t, err, attend.ErrNotStudent)
}

func TestCache_Lookup_SectionFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dc, _, ident := newFixture()
	ident.failSections = true

	fp, err := dc.Lookup(ctx, "stu-1", tripleA)
	require.NoError(t, err)
	assert.Equal(t, "v1:aa", fp)

	// The fallback primed the per-student entry; the next lookup does not
	// need identity at all.
	ident.mu.Lock()
	delete(ident.students, "stu-1")
	ident.mu.Unlock()

	fp, err = dc.Lookup(ctx, "stu-1", tripleA)
	require.NoError(t, err)
	assert.Equal(t, "v1:aa", fp)
}

func TestCache_Preload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dc, live, ident := newFixture()

	require.NoError(t, dc.Preload(ctx, tripleA))
	assert.EqualValues(t, 1, ident.sectionCalls.Load())

	// Idempotent while the section entry is live.
	require.NoError(t, dc.Preload(ctx, tripleA))
	assert.EqualValues(t, 1, ident.sectionCalls.Load())

	m, ok := live.SectionMap(ctx, tripleA)
	require.True(t, ok)
	assert.Len(t, m, 2)
}

func TestCache_ConcurrentColdLookups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dc, _, ident := newFixture()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := dc.Lookup(ctx, "stu-1", tripleA)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, ident.sectionCalls.Load(), int64(2),
		"concurrent cold lookups collapse into at most a couple of loads")
}
