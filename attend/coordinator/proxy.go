package coordinator

import (
	"context"
	"log/slog"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/core/logger"
)

// RemovalRequest is a student's self-removal from the live session, used
// when they realize a proxy marked them or they joined the wrong session.
type RemovalRequest struct {
	StudentID  string        `json:"studentId"`
	RollNumber string        `json:"rollNumber"`
	Triple     attend.Triple `json:"triple"`
	Reason     string        `json:"reason,omitempty"`
}

// RemovalResult reports which membership sets held the student.
type RemovalResult struct {
	SessionID   string `json:"sessionId"`
	WasJoined   bool   `json:"wasJoined"`
	WasAttended bool   `json:"wasAttended"`
}

// RemoveStudent takes a student out of the live session's membership sets.
// The caller's credential must match the payload, and removal only ever
// targets the live session for the caller's own triple.
func (c *Coordinator) RemoveStudent(ctx context.Context, stu attend.Student, req RemovalRequest) (RemovalResult, error) {
	if stu.ID == "" {
		return RemovalResult{}, attend.ErrNotStudent
	}
	if req.StudentID != stu.ID && req.RollNumber != stu.RollNumber {
		return RemovalResult{}, attend.ErrCredentialMismatch
	}
	if req.Triple.Semester != stu.Triple.Semester || req.Triple.Section != stu.Triple.Section {
		return RemovalResult{}, attend.ErrCredentialMismatch
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.store.FindLiveForTriple(ctx, stu.Triple)
	if err != nil {
		return RemovalResult{}, err
	}

	wasJoined, wasAttended := c.cache.RemoveMembership(ctx, s.ID, stu.ID, stu.PresenceKey(s.Mode))
	if !wasJoined && !wasAttended {
		return RemovalResult{SessionID: s.ID}, nil
	}

	var delta attend.CounterDelta
	if wasJoined {
		delta.Joined = -1
	}
	if wasAttended {
		delta.Present = -1
	}
	updated, err := c.store.Incr(ctx, s.ID, delta)
	if err != nil {
		return RemovalResult{}, err
	}
	c.remember(updated)

	if wasAttended {
		c.bus.ToFaculty(s.Faculty.ID, EventAttendanceUpdate, AttendanceUpdate{
			SessionID:  s.ID,
			RollNumber: stu.PresenceKey(s.Mode),
			Present:    updated.Counters.Present,
			TotalScans: updated.Counters.TotalScans,
			Removed:    true,
		})
	}

	c.log.Info("student self-removed from session",
		logger.SessionID(s.ID),
		logger.UserID(stu.ID),
		slog.String("reason", req.Reason),
	)
	return RemovalResult{SessionID: s.ID, WasJoined: wasJoined, WasAttended: wasAttended}, nil
}

// StudentStatus reports a student's membership in the live session for
// their triple.
func (c *Coordinator) StudentStatus(ctx context.Context, stu attend.Student) (RemovalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.store.FindLiveForTriple(ctx, stu.Triple)
	if err != nil {
		return RemovalResult{}, err
	}
	return RemovalResult{
		SessionID:   s.ID,
		WasJoined:   c.cache.IsJoined(ctx, s.ID, stu.ID),
		WasAttended: c.cache.IsAttended(ctx, s.ID, stu.PresenceKey(s.Mode)),
	}, nil
}

// SessionStats returns the owning faculty's live view of one session:
// the stored counters plus the cache set cardinalities.
type SessionStats struct {
	Session  *attend.Session `json:"session"`
	Joined   int64           `json:"joinedLive"`
	Attended int64           `json:"attendedLive"`
	Degraded bool            `json:"degraded"`
}

// Stats reads live counts for a faculty-owned session.
func (c *Coordinator) Stats(ctx context.Context, facultyID, sid string) (SessionStats, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.owned(ctx, sid, facultyID)
	if err != nil {
		return SessionStats{}, err
	}
	stats := c.cache.Stats(ctx, sid)
	return SessionStats{
		Session:  s,
		Joined:   stats[0].Joined,
		Attended: stats[0].Attended,
		Degraded: !c.cache.Healthy() && !c.cache.Fallback(),
	}, nil
}
