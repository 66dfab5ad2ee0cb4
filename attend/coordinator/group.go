package coordinator

import (
	"context"
	"fmt"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/livecache"
	"github.com/rollcall-app/rollcall/attend/qrtoken"
	"github.com/rollcall-app/rollcall/core/logger"
	"github.com/rollcall-app/rollcall/core/metrics"
	"github.com/rollcall-app/rollcall/pkg/async"
)

// GroupMemberInput describes one section slot when starting a group.
type GroupMemberInput struct {
	Triple        attend.Triple `json:"triple"`
	TotalStudents int           `json:"totalStudents"`
}

// maxGroupMembers bounds the fan-out of a single group.
const maxGroupMembers = 10

// StartGroup creates a group session plus one member session per section.
// Members behave as normal sessions for join purposes; once the group goes
// active they share the group's token stream.
func (c *Coordinator) StartGroup(ctx context.Context, fac attend.Faculty, members []GroupMemberInput, mode attend.Mode) (*attend.GroupSession, error) {
	if fac.ID == "" {
		return nil, attend.ErrNotFaculty
	}
	if len(members) < 2 || len(members) > maxGroupMembers {
		return nil, attend.ErrInvalidInput.WithMessagef("a group needs 2 to %d sections", maxGroupMembers)
	}
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.Triple.IsZero() || m.TotalStudents < 1 || m.TotalStudents > maxSectionSize {
			return nil, attend.ErrInvalidInput
		}
		if _, dup := seen[m.Triple.Key()]; dup {
			return nil, attend.ErrInvalidInput.WithMessagef("duplicate section %s", m.Triple.Key())
		}
		seen[m.Triple.Key()] = struct{}{}
	}
	if mode == "" {
		mode = attend.ModeRoll
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	gid := attend.NewID()
	now := c.now()

	g := &attend.GroupSession{
		ID:        gid,
		Faculty:   fac,
		Mode:      mode,
		Status:    attend.StatusCreated,
		CreatedAt: now,
		Members:   make([]attend.GroupMember, len(members)),
	}

	// On a mid-creation failure the earlier members are already live, so
	// roll them back before returning or they would block their sections
	// while pointing at a group that was never written.
	created := make([]*attend.Session, 0, len(members))
	abort := func() {
		for _, s := range created {
			if _, err := c.finish(ctx, s, "group creation failed"); err != nil {
				c.log.Warn("group rollback failed", logger.Error(err), "session_id", s.ID)
			}
		}
	}

	for i, m := range members {
		if sibling, err := c.store.FindLiveForTriple(ctx, m.Triple); err == nil {
			if _, err := c.finish(ctx, sibling, "replaced by a new session"); err != nil {
				abort()
				return nil, err
			}
		}

		s := &attend.Session{
			ID:            attend.NewID(),
			Triple:        m.Triple,
			Faculty:       fac,
			TotalStudents: m.TotalStudents,
			Mode:          mode,
			Status:        attend.StatusCreated,
			GroupID:       gid,
			CreatedAt:     now,
		}
		if err := c.store.Create(ctx, s); err != nil {
			abort()
			return nil, err
		}
		created = append(created, s)
		g.Members[i] = attend.GroupMember{
			Triple:        m.Triple,
			SessionID:     s.ID,
			TotalStudents: m.TotalStudents,
		}
		c.remember(s)
		metrics.ActiveSessions.Inc()

		if err := c.devices.Preload(ctx, m.Triple); err != nil {
			c.log.Warn("device preload failed", logger.Error(err))
		}
		c.bus.ToSection(m.Triple, EventSessionStatus, statusUpdate(s, "Session open, join now"))
	}

	if err := c.store.CreateGroup(ctx, g); err != nil {
		abort()
		return nil, err
	}

	c.bus.ToFaculty(fac.ID, EventGroupStarted, g)
	return g, nil
}

// LockGroup locks every member, then the group.
func (c *Coordinator) LockGroup(ctx context.Context, facultyID, gid string) (*attend.GroupSession, error) {
	return c.groupTransition(ctx, facultyID, gid, attend.StatusCreated, attend.StatusLocked,
		func(ctx context.Context, sid string) error {
			_, err := c.Lock(ctx, facultyID, sid)
			return err
		})
}

// UnlockGroup reopens every member, then the group.
func (c *Coordinator) UnlockGroup(ctx context.Context, facultyID, gid string) (*attend.GroupSession, error) {
	return c.groupTransition(ctx, facultyID, gid, attend.StatusLocked, attend.StatusCreated,
		func(ctx context.Context, sid string) error {
			_, err := c.Unlock(ctx, facultyID, sid)
			return err
		})
}

// groupTransition fans a member-level transition across the group, then
// applies the group-level CAS. Members already in the target state are
// tolerated so a partially applied transition can be retried.
func (c *Coordinator) groupTransition(ctx context.Context, facultyID, gid string, expected, next attend.Status, apply func(context.Context, string) error) (*attend.GroupSession, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	g, err := c.ownedGroup(ctx, gid, facultyID)
	if err != nil {
		return nil, err
	}
	if g.Status != expected {
		return nil, attend.ErrBadTransition
	}

	futures := make([]*async.ExecFuture, len(g.Members))
	for i, m := range g.Members {
		futures[i] = async.Exec(ctx, m.SessionID, func(ctx context.Context, sid string) error {
			err := apply(ctx, sid)
			if err == nil {
				return nil
			}
			if s, gerr := c.store.Get(ctx, sid); gerr == nil && s.Status == next {
				return nil // retry after partial failure
			}
			return fmt.Errorf("member %s: %w", sid, err)
		})
	}
	if err := async.ExecAll(futures...); err != nil {
		return nil, err
	}

	update := attend.TransitionUpdate{}
	now := c.now()
	switch next {
	case attend.StatusLocked:
		update.SetLockedAt = &now
	case attend.StatusCreated:
		update.ClearLockedAt = true
	}
	updated, err := c.store.TransitionGroup(ctx, gid, expected, next, update)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// StartGroupAttendance moves every member and the group to active under a
// single shared token stream. Member rotators are never started; the one
// group rotator mints group tokens and mirrors them into the members.
func (c *Coordinator) StartGroupAttendance(ctx context.Context, facultyID, gid string) (*attend.GroupSession, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	g, err := c.ownedGroup(ctx, gid, facultyID)
	if err != nil {
		return nil, err
	}
	if g.Status != attend.StatusLocked {
		return nil, attend.ErrBadTransition
	}

	tok, expiry, err := c.minter.Mint(gid, qrtoken.KindGroup)
	if err != nil {
		return nil, err
	}

	now := c.now()
	update := attend.TransitionUpdate{
		SetStartedAt:   &now,
		SetToken:       tok,
		SetTokenExpiry: expiry,
	}

	futures := make([]*async.ExecFuture, len(g.Members))
	for i, m := range g.Members {
		futures[i] = async.Exec(ctx, m, func(ctx context.Context, m attend.GroupMember) error {
			s, err := c.store.Transition(ctx, m.SessionID, attend.StatusLocked, attend.StatusActive, update)
			if err != nil {
				if cur, gerr := c.store.Get(ctx, m.SessionID); gerr == nil && cur.Status == attend.StatusActive {
					return nil
				}
				return fmt.Errorf("member %s: %w", m.SessionID, err)
			}
			c.remember(s)
			c.bus.ToSection(m.Triple, EventSessionStatus, statusUpdate(s, "Attendance is live, scan the QR"))
			return nil
		})
	}
	if err := async.ExecAll(futures...); err != nil {
		return nil, err
	}

	updated, err := c.store.TransitionGroup(ctx, gid, attend.StatusLocked, attend.StatusActive, update)
	if err != nil {
		return nil, err
	}

	memberSIDs := make([]string, len(g.Members))
	for i, m := range g.Members {
		memberSIDs[i] = m.SessionID
	}
	c.startRotator(gid, qrtoken.KindGroup, facultyID, memberSIDs...)

	c.bus.ToFaculty(facultyID, EventAttendanceStarted, updated)
	c.publishToken(facultyID, gid, tok, expiry, updated.RefreshCount)
	return updated, nil
}

// EndGroup ends every member and then the group. All member records share
// one createdAt instant. A member already ended individually is skipped.
func (c *Coordinator) EndGroup(ctx context.Context, facultyID, gid string) ([]*attend.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	g, err := c.ownedGroup(ctx, gid, facultyID)
	if err != nil {
		return nil, err
	}
	if g.Status == attend.StatusEnded {
		return nil, attend.ErrBadTransition
	}

	c.stopRotator(gid)
	c.minter.InvalidateBySession(gid)

	now := c.now()
	records := make([]*attend.Record, 0, len(g.Members))
	for _, m := range g.Members {
		s, err := c.store.Get(ctx, m.SessionID)
		if err != nil {
			return nil, err
		}
		if s.Status == attend.StatusEnded {
			continue
		}
		rec, err := c.finishAt(ctx, s, "Session ended", now)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	updated, err := c.store.TransitionGroup(ctx, gid, g.Status, attend.StatusEnded, attend.TransitionUpdate{
		SetEndedAt: &now,
		ClearToken: true,
	})
	if err != nil {
		return nil, err
	}

	c.bus.ToFaculty(facultyID, EventGroupEnded, SessionEnded{
		SessionID: updated.ID,
		GroupID:   updated.ID,
		EndedAt:   now,
	})
	return records, nil
}

// GroupStats aggregates live membership counts across the group's members
// in one pipelined cache batch.
func (c *Coordinator) GroupStats(ctx context.Context, facultyID, gid string) ([]livecache.SetStats, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	g, err := c.ownedGroup(ctx, gid, facultyID)
	if err != nil {
		return nil, err
	}
	sids := make([]string, len(g.Members))
	for i, m := range g.Members {
		sids[i] = m.SessionID
	}
	return c.cache.Stats(ctx, sids...), nil
}

func (c *Coordinator) ownedGroup(ctx context.Context, gid, facultyID string) (*attend.GroupSession, error) {
	if facultyID == "" {
		return nil, attend.ErrNotFaculty
	}
	g, err := c.store.GetGroup(ctx, gid)
	if err != nil {
		return nil, err
	}
	if g.Faculty.ID != facultyID {
		return nil, attend.ErrNotOwner
	}
	return g, nil
}
