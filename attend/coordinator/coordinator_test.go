package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/attendtest"
	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/attend/devicecache"
	"github.com/rollcall-app/rollcall/attend/livecache"
	"github.com/rollcall-app/rollcall/attend/qrtoken"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	facA    = attend.Faculty{ID: "fac-1", Name: "Dr. Rao", Email: "rao@example.edu"}
	tripleA = attend.Triple{Department: "CSE", Semester: "5", Section: "A"}
	tripleB = attend.Triple{Department: "CSE", Semester: "5", Section: "B"}
)

func student(id, roll string, t attend.Triple) attend.Student {
	return attend.Student{ID: id, RollNumber: roll, Email: id + "@example.edu", Triple: t}
}

// fakeDevices maps student id to registered fingerprint. Students absent
// from the map have no binding and pass the proxy check.
type fakeDevices struct {
	mu       sync.Mutex
	bindings map[string]string
}

func (f *fakeDevices) Lookup(_ context.Context, studentID string, _ attend.Triple) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := f.bindings[studentID]; ok {
		return fp, nil
	}
	return "", devicecache.ErrNoBinding
}

func (f *fakeDevices) Preload(context.Context, attend.Triple) error { return nil }

type busEvent struct {
	Room    string
	Event   string
	Payload any
}

type recordBus struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *recordBus) ToFaculty(fid, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{Room: "faculty:" + fid, Event: event, Payload: payload})
}

func (b *recordBus) ToSection(t attend.Triple, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{Room: "section:" + t.Key(), Event: event, Payload: payload})
}

func (b *recordBus) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fixture struct {
	store   *attendtest.MemStore
	cache   *livecache.Cache
	devices *fakeDevices
	minter  *qrtoken.Minter
	bus     *recordBus
	coord   *coordinator.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	minter, err := qrtoken.New(testSecret)
	require.NoError(t, err)

	f := &fixture{
		store:   attendtest.NewMemStore(),
		cache:   livecache.New(nil),
		devices: &fakeDevices{bindings: map[string]string{}},
		minter:  minter,
		bus:     &recordBus{},
	}
	f.coord = coordinator.New(f.store, f.cache, f.devices, minter,
		coordinator.WithBus(f.bus),
	)
	t.Cleanup(f.coord.Shutdown)
	return f
}

// activeSession walks one session to the active state with the given
// students joined, and returns it with its current token.
func (f *fixture) activeSession(t *testing.T, students ...attend.Student) (*attend.Session, string) {
	t.Helper()
	ctx := context.Background()

	s, err := f.coord.StartSession(ctx, facA, tripleA, 3, attend.ModeRoll)
	require.NoError(t, err)
	for _, stu := range students {
		_, _, err := f.coord.Join(ctx, stu)
		require.NoError(t, err)
	}
	_, err = f.coord.Lock(ctx, facA.ID, s.ID)
	require.NoError(t, err)
	active, err := f.coord.StartAttendance(ctx, facA.ID, s.ID)
	require.NoError(t, err)
	return active, f.store.Session(s.ID).CurrentToken
}

func TestHappyPathRollMode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s1 := student("stu-1", "01", tripleA)
	s2 := student("stu-2", "02", tripleA)
	s3 := student("stu-3", "03", tripleA)

	active, tok := f.activeSession(t, s1, s2, s3)
	assert.Equal(t, attend.StatusActive, active.Status)
	assert.EqualValues(t, 1, active.RefreshCount)
	assert.EqualValues(t, 3, active.Counters.Joined)
	require.NotEmpty(t, tok)

	for _, stu := range []attend.Student{s1, s2, s3} {
		_, err := f.coord.Scan(ctx, stu, tok, "", "")
		require.NoError(t, err)
	}

	rec, err := f.coord.End(ctx, facA.ID, active.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "02", "03"}, rec.Present)
	assert.Empty(t, rec.Absent)
	assert.Equal(t, 3, rec.TotalStudents)
	assert.Equal(t, tripleA, rec.Triple)

	assert.Equal(t, attend.StatusEnded, f.store.Session(active.ID).Status)
	assert.Empty(t, f.store.Session(active.ID).CurrentToken, "token cleared on end")

	assert.Equal(t, 3, f.bus.count(coordinator.EventStudentJoined))
	assert.Equal(t, 3, f.bus.count(coordinator.EventAttendanceUpdate))
	assert.Equal(t, 1, f.bus.count(coordinator.EventSessionEnded))
}

func TestAbsenteeComplement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s1 := student("stu-1", "01", tripleA)
	s2 := student("stu-2", "02", tripleA)

	active, tok := f.activeSession(t, s1, s2)
	_, err := f.coord.Scan(ctx, s1, tok, "", "")
	require.NoError(t, err)

	rec, err := f.coord.End(ctx, facA.ID, active.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"01"}, rec.Present)
	assert.Equal(t, []string{"02", "03"}, rec.Absent, "joined-but-unscanned and never-joined both absent")
}

func TestEndSession_MorePresentThanRoster(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	students := []attend.Student{
		student("stu-1", "01", tripleA),
		student("stu-2", "02", tripleA),
		student("stu-3", "03", tripleA),
		student("stu-4", "04", tripleA),
	}

	// Four scans against a roster of three. Ending must still reconcile.
	active, tok := f.activeSession(t, students...)
	for _, stu := range students {
		_, err := f.coord.Scan(ctx, stu, tok, "", "")
		require.NoError(t, err)
	}

	rec, err := f.coord.End(ctx, facA.ID, active.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "02", "03", "04"}, rec.Present)
	assert.Empty(t, rec.Absent)
	assert.Equal(t, attend.StatusEnded, f.store.Session(active.ID).Status)
}

func TestStartSession_ForceEndsSibling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	first, err := f.coord.StartSession(ctx, facA, tripleA, 3, attend.ModeRoll)
	require.NoError(t, err)

	second, err := f.coord.StartSession(ctx, facA, tripleA, 3, attend.ModeRoll)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, attend.StatusEnded, f.store.Session(first.ID).Status)
	require.Len(t, f.store.Records(), 1, "force-ended sibling still produced a record")
	assert.Equal(t, first.ID, f.store.Records()[0].SessionID)
}

func TestJoin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	stu := student("stu-1", "01", tripleA)

	t.Run("no session", func(t *testing.T) {
		_, _, err := f.coord.Join(ctx, stu)
		assert.ErrorIs(t, err, attend.ErrNoActiveSession)
	})

	s, err := f.coord.StartSession(ctx, facA, tripleA, 3, attend.ModeRoll)
	require.NoError(t, err)

	t.Run("idempotent", func(t *testing.T) {
		joined, already, err := f.coord.Join(ctx, stu)
		require.NoError(t, err)
		assert.False(t, already)
		assert.EqualValues(t, 1, joined.Counters.Joined)

		_, already, err = f.coord.Join(ctx, stu)
		require.NoError(t, err)
		assert.True(t, already)
		assert.EqualValues(t, 1, f.store.Session(s.ID).Counters.Joined, "counter moved once")
	})

	t.Run("closed after lock", func(t *testing.T) {
		_, err := f.coord.Lock(ctx, facA.ID, s.ID)
		require.NoError(t, err)
		_, _, err = f.coord.Join(ctx, student("stu-2", "02", tripleA))
		assert.ErrorIs(t, err, attend.ErrJoinClosed)
	})

	t.Run("reopened by unlock", func(t *testing.T) {
		_, err := f.coord.Unlock(ctx, facA.ID, s.ID)
		require.NoError(t, err)
		assert.Nil(t, f.store.Session(s.ID).LockedAt)
		_, _, err = f.coord.Join(ctx, student("stu-2", "02", tripleA))
		assert.NoError(t, err)
	})
}

func TestOwnershipGate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	s, err := f.coord.StartSession(ctx, facA, tripleA, 3, attend.ModeRoll)
	require.NoError(t, err)

	_, err = f.coord.Lock(ctx, "fac-other", s.ID)
	assert.ErrorIs(t, err, attend.ErrNotOwner)
	_, err = f.coord.End(ctx, "fac-other", s.ID)
	assert.ErrorIs(t, err, attend.ErrNotOwner)
}

func TestTransitionGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	s, err := f.coord.StartSession(ctx, facA, tripleA, 3, attend.ModeRoll)
	require.NoError(t, err)

	// created → active is not legal without lock.
	_, err = f.coord.StartAttendance(ctx, facA.ID, s.ID)
	assert.ErrorIs(t, err, attend.ErrBadTransition)

	// created → created via unlock is not legal either.
	_, err = f.coord.Unlock(ctx, facA.ID, s.ID)
	assert.ErrorIs(t, err, attend.ErrBadTransition)

	_, err = f.coord.End(ctx, facA.ID, s.ID)
	require.NoError(t, err)
	_, err = f.coord.End(ctx, facA.ID, s.ID)
	assert.ErrorIs(t, err, attend.ErrBadTransition, "ended is terminal")
}

func TestScan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s1 := student("stu-1", "01", tripleA)
	f.devices.bindings["stu-1"] = "v1:genuine"

	active, tok := f.activeSession(t, s1)

	t.Run("not joined", func(t *testing.T) {
		_, err := f.coord.Scan(ctx, student("stu-9", "09", tripleA), tok, "", "")
		assert.ErrorIs(t, err, attend.ErrNotJoined)
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		_, err := f.coord.Scan(ctx, s1, tok, "v1:someone-else", "")
		assert.ErrorIs(t, err, attend.ErrSuspectedProxy)
		assert.EqualValues(t, 1, f.store.Session(active.ID).Counters.DuplicateAttempts)
	})

	t.Run("matching fingerprint", func(t *testing.T) {
		updated, err := f.coord.Scan(ctx, s1, tok, "v1:genuine", "")
		require.NoError(t, err)
		assert.EqualValues(t, 1, updated.Counters.Present)
		assert.EqualValues(t, 1, updated.Counters.TotalScans)
	})

	t.Run("duplicate scan", func(t *testing.T) {
		_, err := f.coord.Scan(ctx, s1, tok, "v1:genuine", "")
		assert.ErrorIs(t, err, attend.ErrAlreadyMarked)
		after := f.store.Session(active.ID)
		assert.EqualValues(t, 1, after.Counters.Present)
		assert.EqualValues(t, 1, after.Counters.TotalScans, "scans counter unchanged on duplicate")
		assert.EqualValues(t, 2, after.Counters.DuplicateAttempts)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := f.coord.Scan(ctx, s1, "bogus", "v1:genuine", "")
		assert.ErrorIs(t, err, attend.ErrTokenNotFound)
		assert.EqualValues(t, 1, f.store.Session(active.ID).Counters.InvalidTokenAttempts)
	})
}

func TestScan_ExpiredToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	now := time.Now()
	clock := func() time.Time { return now }
	minter, err := qrtoken.New(testSecret, qrtoken.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	f := newFixture(t)
	coord := coordinator.New(f.store, f.cache, f.devices, minter,
		coordinator.WithBus(f.bus), coordinator.WithClock(clock),
	)
	defer coord.Shutdown()

	stu := student("stu-1", "01", tripleA)
	s, err := coord.StartSession(ctx, facA, tripleA, 3, attend.ModeRoll)
	require.NoError(t, err)
	_, _, err = coord.Join(ctx, stu)
	require.NoError(t, err)
	_, err = coord.Lock(ctx, facA.ID, s.ID)
	require.NoError(t, err)
	_, err = coord.StartAttendance(ctx, facA.ID, s.ID)
	require.NoError(t, err)
	stale := f.store.Session(s.ID).CurrentToken

	now = now.Add(qrtoken.TTL + time.Second)
	_, err = coord.Scan(ctx, stu, stale, "", "")
	assert.ErrorIs(t, err, attend.ErrTokenExpired)

	// A fresh token succeeds; retrying after expiry is the normal flow.
	fresh, _, err := minter.Mint(s.ID, qrtoken.KindSingle)
	require.NoError(t, err)
	_, err = coord.Scan(ctx, stu, fresh, "", "")
	assert.NoError(t, err)
}

func TestScan_WrongSectionToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	stuB := student("stu-b", "01", tripleB)

	// An active session in A, and another in B the student belongs to.
	_, tokA := f.activeSession(t, student("stu-a", "01", tripleA))

	sB, err := f.coord.StartSession(ctx, facA, tripleB, 2, attend.ModeRoll)
	require.NoError(t, err)
	_, _, err = f.coord.Join(ctx, stuB)
	require.NoError(t, err)
	_, err = f.coord.Lock(ctx, facA.ID, sB.ID)
	require.NoError(t, err)
	_, err = f.coord.StartAttendance(ctx, facA.ID, sB.ID)
	require.NoError(t, err)

	// Scanning A's token routes to B's session and is rejected there.
	_, err = f.coord.Scan(ctx, stuB, tokA, "", "")
	assert.ErrorIs(t, err, attend.ErrTokenNotFound)
	assert.EqualValues(t, 1, f.store.Session(sB.ID).Counters.InvalidTokenAttempts)
}

func TestValidateToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, tok := f.activeSession(t, student("stu-1", "01", tripleA))

	res := f.coord.ValidateToken(tok)
	assert.True(t, res.Valid)
	assert.Equal(t, qrtoken.KindSingle, res.Kind)

	res = f.coord.ValidateToken("bogus")
	assert.False(t, res.Valid)
	assert.Equal(t, attend.ErrTokenNotFound.Code, res.Reason)
}

func TestSessionStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	stu := student("stu-1", "01", tripleA)

	active, tok := f.activeSession(t, stu)

	view, err := f.coord.SessionStatus(ctx, stu)
	require.NoError(t, err)
	assert.Equal(t, active.ID, view.SessionID)
	assert.True(t, view.CanScanQR)
	assert.False(t, view.CanJoin)
	assert.True(t, view.Joined)
	assert.False(t, view.Marked)

	_, err = f.coord.Scan(ctx, stu, tok, "", "")
	require.NoError(t, err)

	view, err = f.coord.SessionStatus(ctx, stu)
	require.NoError(t, err)
	assert.True(t, view.Marked)
}

func TestRemoveStudent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	stu := student("stu-1", "01", tripleA)

	active, tok := f.activeSession(t, stu)
	_, err := f.coord.Scan(ctx, stu, tok, "", "")
	require.NoError(t, err)

	t.Run("credential mismatch", func(t *testing.T) {
		_, err := f.coord.RemoveStudent(ctx, stu, coordinator.RemovalRequest{
			StudentID: "someone-else", RollNumber: "99", Triple: tripleA,
		})
		assert.ErrorIs(t, err, attend.ErrCredentialMismatch)
	})

	t.Run("wrong section", func(t *testing.T) {
		_, err := f.coord.RemoveStudent(ctx, stu, coordinator.RemovalRequest{
			StudentID: stu.ID, RollNumber: stu.RollNumber, Triple: tripleB,
		})
		assert.ErrorIs(t, err, attend.ErrCredentialMismatch)
	})

	t.Run("removes both memberships", func(t *testing.T) {
		res, err := f.coord.RemoveStudent(ctx, stu, coordinator.RemovalRequest{
			StudentID: stu.ID, RollNumber: stu.RollNumber, Triple: tripleA, Reason: "proxy scan",
		})
		require.NoError(t, err)
		assert.True(t, res.WasJoined)
		assert.True(t, res.WasAttended)

		after := f.store.Session(active.ID)
		assert.EqualValues(t, 0, after.Counters.Joined)
		assert.EqualValues(t, 0, after.Counters.Present)
	})

	t.Run("second removal is a clean no-op", func(t *testing.T) {
		res, err := f.coord.RemoveStudent(ctx, stu, coordinator.RemovalRequest{
			StudentID: stu.ID, RollNumber: stu.RollNumber, Triple: tripleA,
		})
		require.NoError(t, err)
		assert.False(t, res.WasJoined)
		assert.False(t, res.WasAttended)
	})
}

func TestStoreOutageDoesNotTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	s, err := f.coord.StartSession(ctx, facA, tripleA, 3, attend.ModeRoll)
	require.NoError(t, err)

	f.store.FailWith = attend.ErrStoreUnavailable
	_, err = f.coord.Lock(ctx, facA.ID, s.ID)
	assert.ErrorIs(t, err, attend.ErrStoreUnavailable)

	f.store.FailWith = nil
	got, err := f.coord.Lock(ctx, facA.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, attend.StatusLocked, got.Status)
}
