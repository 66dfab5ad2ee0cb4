package attend

import (
	"context"
	"time"
)

// TransitionUpdate carries the field changes applied together with a status
// CAS. Pointer fields are set when non-nil; Clear flags unset the field.
type TransitionUpdate struct {
	SetLockedAt   *time.Time
	ClearLockedAt bool
	SetStartedAt  *time.Time
	SetEndedAt    *time.Time

	// SetToken installs the first token and resets RefreshCount to 1.
	SetToken       string
	SetTokenExpiry time.Time
	ClearToken     bool
}

// CounterDelta is an atomic increment applied to session counters.
type CounterDelta struct {
	Joined               int64
	Present              int64
	TotalScans           int64
	UniqueDevices        int64
	DuplicateAttempts    int64
	InvalidTokenAttempts int64
}

// SessionStore is the durable, authoritative record of sessions. It is the
// only linearization point for status: all transitions go through
// compare-and-set on the stored status.
type SessionStore interface {
	// Create inserts the session. Returns ErrSiblingExists when a live
	// session already exists for the same triple.
	Create(ctx context.Context, s *Session) error

	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, sid string) (*Session, error)

	// FindLiveForTriple returns the non-ended session for the triple, or
	// ErrNoActiveSession when none exists.
	FindLiveForTriple(ctx context.Context, t Triple) (*Session, error)

	// FindByStatus returns all sessions in the given status. Used by the
	// rotator reaper and crash recovery.
	FindByStatus(ctx context.Context, status Status) ([]*Session, error)

	// Transition performs a CAS from expected to next, applying the update
	// atomically. Returns ErrCASConflict when the stored status differs
	// from expected, and the updated session on success.
	Transition(ctx context.Context, sid string, expected, next Status, update TransitionUpdate) (*Session, error)

	// Incr atomically bumps counters and returns the updated session.
	Incr(ctx context.Context, sid string, delta CounterDelta) (*Session, error)

	// UpdateToken atomically installs a rotated token and increments
	// RefreshCount, only while the session is active.
	UpdateToken(ctx context.Context, sid, token string, expiry time.Time) (*Session, error)

	// MirrorToken writes the group token into the given member sessions in
	// one batch without touching their refresh counters' semantics beyond
	// an increment.
	MirrorToken(ctx context.Context, sids []string, token string, expiry time.Time) error

	// Reap deletes ended sessions whose EndedAt is before the cutoff.
	Reap(ctx context.Context, endedBefore time.Time) (int64, error)

	// Group sessions.
	CreateGroup(ctx context.Context, g *GroupSession) error
	GetGroup(ctx context.Context, gid string) (*GroupSession, error)

	// FindGroupsByStatus returns all groups in the given status. Used by
	// the rotator reaper and crash recovery, same as FindByStatus.
	FindGroupsByStatus(ctx context.Context, status Status) ([]*GroupSession, error)
	TransitionGroup(ctx context.Context, gid string, expected, next Status, update TransitionUpdate) (*GroupSession, error)
	UpdateGroupToken(ctx context.Context, gid, token string, expiry time.Time) (*GroupSession, error)

	// SaveRecord persists a durable attendance record.
	SaveRecord(ctx context.Context, r *Record) error
}
