package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/coordinator"
)

func TestStartAttendance_OwnsRotatorLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	active, tok := f.activeSession(t, student("stu-1", "01", tripleA))
	require.NotEmpty(t, tok)

	// The lease is held by the coordinator's worker; nobody else can
	// claim rotation for this session.
	assert.False(t, f.cache.AcquireRotatorLease(ctx, active.ID, "intruder"))

	// Ending the session releases the lease.
	_, err := f.coord.End(ctx, facA.ID, active.ID)
	require.NoError(t, err)
	assert.True(t, f.cache.AcquireRotatorLease(ctx, active.ID, "intruder"))
}

func TestRequestTokenRefresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	active, first := f.activeSession(t, student("stu-1", "01", tripleA))

	t.Run("not active elsewhere", func(t *testing.T) {
		s, err := f.coord.StartSession(ctx, facA, tripleB, 2, attend.ModeRoll)
		require.NoError(t, err)
		err = f.coord.RequestTokenRefresh(ctx, facA.ID, s.ID)
		assert.ErrorIs(t, err, attend.ErrBadTransition)
	})

	t.Run("owner only", func(t *testing.T) {
		err := f.coord.RequestTokenRefresh(ctx, "fac-other", active.ID)
		assert.ErrorIs(t, err, attend.ErrNotOwner)
	})

	t.Run("nudges the rotator", func(t *testing.T) {
		require.NoError(t, f.coord.RequestTokenRefresh(ctx, facA.ID, active.ID))

		// The loop rotates asynchronously; wait for the token to move on.
		assert.Eventually(t, func() bool {
			return f.store.Session(active.ID).CurrentToken != first
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("rate limited", func(t *testing.T) {
		before := f.store.Session(active.ID).RefreshCount
		require.NoError(t, f.coord.RequestTokenRefresh(ctx, facA.ID, active.ID))
		require.NoError(t, f.coord.RequestTokenRefresh(ctx, facA.ID, active.ID))
		time.Sleep(100 * time.Millisecond)
		assert.LessOrEqual(t, f.store.Session(active.ID).RefreshCount, before+1,
			"back-to-back refreshes collapse into at most one rotation")
	})
}

func TestRequestTokenRefresh_InlineWithoutLocalRotator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	// An active session this worker never started a rotator for, as after
	// a handoff between workers.
	s := &attend.Session{
		ID:            attend.NewID(),
		Triple:        tripleB,
		Faculty:       facA,
		TotalStudents: 2,
		Mode:          attend.ModeRoll,
		Status:        attend.StatusCreated,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, f.store.Create(ctx, s))
	_, err := f.store.Transition(ctx, s.ID, attend.StatusCreated, attend.StatusLocked, attend.TransitionUpdate{})
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, s.ID, attend.StatusLocked, attend.StatusActive, attend.TransitionUpdate{
		SetToken: "stale", SetTokenExpiry: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, f.coord.RequestTokenRefresh(ctx, facA.ID, s.ID))
	after := f.store.Session(s.ID)
	assert.NotEqual(t, "stale", after.CurrentToken)
	assert.EqualValues(t, 2, after.RefreshCount)
}

func TestReapOrphans(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	// An active session whose token went stale well past the orphan age.
	s := &attend.Session{
		ID:            attend.NewID(),
		Triple:        tripleB,
		Faculty:       facA,
		TotalStudents: 2,
		Mode:          attend.ModeRoll,
		Status:        attend.StatusCreated,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, f.store.Create(ctx, s))
	_, err := f.store.Transition(ctx, s.ID, attend.StatusCreated, attend.StatusLocked, attend.TransitionUpdate{})
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, s.ID, attend.StatusLocked, attend.StatusActive, attend.TransitionUpdate{
		SetToken: "orphaned", SetTokenExpiry: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, f.coord.ReapOrphans(ctx))

	// The reaper adopted the rotator: the lease is now held.
	assert.False(t, f.cache.AcquireRotatorLease(ctx, s.ID, "intruder"))
}

func TestReapOrphans_AdoptsGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	a1 := student("stu-1", "01", tripleA)
	b1 := student("stu-2", "01", tripleB)
	g, _ := f.activeGroup(t, a1, b1)

	// Owning worker dies mid-session and the group token goes stale.
	f.coord.Shutdown()
	_, err := f.store.UpdateGroupToken(ctx, g.ID, "stale", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, f.coord.ReapOrphans(ctx))
	assert.False(t, f.cache.AcquireRotatorLease(ctx, g.ID, "intruder"),
		"group rotator re-elected")

	// Adoption rotates straight away and mirrors the fresh token into
	// the members.
	assert.Eventually(t, func() bool {
		tok := f.store.Group(g.ID).CurrentToken
		if tok == "stale" {
			return false
		}
		for _, m := range g.Members {
			if f.store.Session(m.SessionID).CurrentToken != tok {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRecoverActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	active, _ := f.activeSession(t, student("stu-1", "01", tripleA))
	f.coord.Shutdown()

	// A new coordinator process comes up and re-adopts active sessions.
	reborn := coordinator.New(f.store, f.cache, f.devices, f.minter,
		coordinator.WithBus(f.bus),
	)
	t.Cleanup(reborn.Shutdown)

	require.NoError(t, reborn.RecoverActive(ctx))
	assert.False(t, f.cache.AcquireRotatorLease(ctx, active.ID, "intruder"))
}

func TestRecoverActive_AdoptsGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	a1 := student("stu-1", "01", tripleA)
	b1 := student("stu-2", "01", tripleB)
	g, _ := f.activeGroup(t, a1, b1)
	f.coord.Shutdown()

	reborn := coordinator.New(f.store, f.cache, f.devices, f.minter,
		coordinator.WithBus(f.bus),
	)
	t.Cleanup(reborn.Shutdown)

	require.NoError(t, reborn.RecoverActive(ctx))
	assert.False(t, f.cache.AcquireRotatorLease(ctx, g.ID, "intruder"),
		"group rotator re-adopted after restart")
}

func TestReapEnded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	active, _ := f.activeSession(t, student("stu-1", "01", tripleA))
	_, err := f.coord.End(ctx, facA.ID, active.ID)
	require.NoError(t, err)

	n, err := f.coord.ReapEnded(ctx, -time.Minute) // cutoff in the future
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Nil(t, f.store.Session(active.ID))
}
