// Package coordinator drives the attendance session lifecycle. It owns the
// state machine over the durable session store, the live membership sets in
// the shared cache, token minting and rotation, and end-of-session
// reconciliation into attendance records. All mutations verify faculty
// ownership against the store before acting.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/devicecache"
	"github.com/rollcall-app/rollcall/attend/livecache"
	"github.com/rollcall-app/rollcall/attend/qrtoken"
	"github.com/rollcall-app/rollcall/core/cache"
	"github.com/rollcall-app/rollcall/core/logger"
	"github.com/rollcall-app/rollcall/core/metrics"
)

const (
	// storeTimeout bounds store and cache calls made on request paths.
	storeTimeout = 3 * time.Second

	// registrySize bounds the per-worker hot session mirror.
	registrySize = 512

	// maxSectionSize is the largest accepted roster.
	maxSectionSize = 500
)

// DeviceDirectory resolves registered device fingerprints.
type DeviceDirectory interface {
	Lookup(ctx context.Context, studentID string, t attend.Triple) (string, error)
	Preload(ctx context.Context, t attend.Triple) error
}

// Coordinator is the session state machine. Safe for concurrent use.
type Coordinator struct {
	store    attend.SessionStore
	cache    *livecache.Cache
	devices  DeviceDirectory
	minter   *qrtoken.Minter
	bus      Bus
	log      *slog.Logger
	workerID string
	now      func() time.Time

	registry *cache.LRUCache[string, *attend.Session]

	mu          sync.Mutex
	rotators    map[string]*rotator
	photos      map[string]map[string]string // sid → presence key → photo ref
	lastRefresh map[string]time.Time         // sid → last manual token refresh
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithBus sets the realtime bus. Defaults to a no-op bus.
func WithBus(bus Bus) Option {
	return func(c *Coordinator) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithWorkerID names this worker for rotator lease ownership.
func WithWorkerID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.workerID = id
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Coordinator.
func New(store attend.SessionStore, live *livecache.Cache, devices DeviceDirectory, minter *qrtoken.Minter, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		cache:       live,
		devices:     devices,
		minter:      minter,
		bus:         NoopBus{},
		log:         logger.Noop(),
		workerID:    attend.NewID(),
		now:         time.Now,
		registry:    cache.NewLRUCache[string, *attend.Session](registrySize),
		rotators:    make(map[string]*rotator),
		photos:      make(map[string]map[string]string),
		lastRefresh: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSession creates a session in the created state. Any live sibling for
// the same triple is force-ended first, producing its own durable record.
func (c *Coordinator) StartSession(ctx context.Context, fac attend.Faculty, t attend.Triple, totalStudents int, mode attend.Mode) (*attend.Session, error) {
	if fac.ID == "" {
		return nil, attend.ErrNotFaculty
	}
	if t.IsZero() || totalStudents < 1 || totalStudents > maxSectionSize {
		return nil, attend.ErrInvalidInput
	}
	if mode == "" {
		mode = attend.ModeRoll
	}
	if mode != attend.ModeRoll && mode != attend.ModeEmail {
		return nil, attend.ErrInvalidInput.WithMessagef("unknown session mode %q", mode)
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	// A stale sibling blocks the section; end it so the new session can
	// start. Its partial attendance still reconciles into a record.
	if sibling, err := c.store.FindLiveForTriple(ctx, t); err == nil {
		c.log.Info("ending stale sibling session",
			logger.SessionID(sibling.ID),
			slog.String("triple", t.Key()),
		)
		if _, err := c.finish(ctx, sibling, "replaced by a new session"); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, attend.ErrNoActiveSession) {
		return nil, err
	}

	s := &attend.Session{
		ID:            attend.NewID(),
		Triple:        t,
		Faculty:       fac,
		TotalStudents: totalStudents,
		Mode:          mode,
		Status:        attend.StatusCreated,
		CreatedAt:     c.now(),
	}
	if err := c.store.Create(ctx, s); err != nil {
		return nil, err
	}

	if err := c.devices.Preload(ctx, t); err != nil {
		// Warm-up only; scans fall through to identity on demand.
		c.log.Warn("device preload failed", slog.String("triple", t.Key()), logger.Error(err))
	}

	c.remember(s)
	metrics.ActiveSessions.Inc()

	c.bus.ToFaculty(fac.ID, EventSessionStarted, s)
	c.bus.ToSection(t, EventSessionStatus, statusUpdate(s, "Session open, join now"))
	return s, nil
}

// Join admits a student to the join set. Idempotent: re-joining reports
// alreadyJoined instead of failing, and the counter moves exactly once.
func (c *Coordinator) Join(ctx context.Context, stu attend.Student) (s *attend.Session, alreadyJoined bool, err error) {
	if stu.ID == "" || stu.Triple.IsZero() {
		return nil, false, attend.ErrNotStudent
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err = c.store.FindLiveForTriple(ctx, stu.Triple)
	if err != nil {
		metrics.Joins.WithLabelValues("no_session").Inc()
		return nil, false, err
	}
	if !s.Status.CanJoin() {
		metrics.Joins.WithLabelValues("closed").Inc()
		return nil, false, attend.ErrJoinClosed
	}

	if !c.cache.AddJoined(ctx, s.ID, stu.ID) {
		metrics.Joins.WithLabelValues("duplicate").Inc()
		return s, true, nil
	}

	updated, err := c.store.Incr(ctx, s.ID, attend.CounterDelta{Joined: 1})
	if err != nil {
		return nil, false, err
	}
	c.remember(updated)
	metrics.Joins.WithLabelValues("ok").Inc()

	c.bus.ToFaculty(s.Faculty.ID, EventStudentJoined, StudentJoined{
		SessionID:  s.ID,
		StudentID:  stu.ID,
		RollNumber: stu.RollNumber,
		Joined:     updated.Counters.Joined,
	})
	return updated, false, nil
}

// Lock freezes the join set.
func (c *Coordinator) Lock(ctx context.Context, facultyID, sid string) (*attend.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.owned(ctx, sid, facultyID)
	if err != nil {
		return nil, err
	}
	if !s.Status.CanTransitionTo(attend.StatusLocked) {
		return nil, attend.ErrBadTransition
	}

	now := c.now()
	updated, err := c.store.Transition(ctx, sid, s.Status, attend.StatusLocked, attend.TransitionUpdate{SetLockedAt: &now})
	if err != nil {
		return nil, err
	}
	c.remember(updated)

	c.bus.ToFaculty(facultyID, EventSessionLocked, updated)
	c.bus.ToSection(updated.Triple, EventSessionStatus, statusUpdate(updated, "Join window closed"))
	return updated, nil
}

// Unlock reopens the join set from the locked state.
func (c *Coordinator) Unlock(ctx context.Context, facultyID, sid string) (*attend.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.owned(ctx, sid, facultyID)
	if err != nil {
		return nil, err
	}
	if s.Status != attend.StatusLocked {
		return nil, attend.ErrBadTransition
	}

	updated, err := c.store.Transition(ctx, sid, attend.StatusLocked, attend.StatusCreated, attend.TransitionUpdate{ClearLockedAt: true})
	if err != nil {
		return nil, err
	}
	c.remember(updated)

	c.bus.ToFaculty(facultyID, EventSessionUnlocked, updated)
	c.bus.ToSection(updated.Triple, EventSessionStatus, statusUpdate(updated, "Join window reopened"))
	return updated, nil
}

// StartAttendance transitions locked→active, installs the first token, and
// starts the rotator owned by this worker.
func (c *Coordinator) StartAttendance(ctx context.Context, facultyID, sid string) (*attend.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.owned(ctx, sid, facultyID)
	if err != nil {
		return nil, err
	}
	if s.Status != attend.StatusLocked {
		return nil, attend.ErrBadTransition
	}

	tok, expiry, err := c.minter.Mint(sid, qrtoken.KindSingle)
	if err != nil {
		return nil, err
	}

	now := c.now()
	updated, err := c.store.Transition(ctx, sid, attend.StatusLocked, attend.StatusActive, attend.TransitionUpdate{
		SetStartedAt:   &now,
		SetToken:       tok,
		SetTokenExpiry: expiry,
	})
	if err != nil {
		return nil, err
	}
	c.remember(updated)

	c.startRotator(updated.ID, qrtoken.KindSingle, facultyID)

	c.bus.ToFaculty(facultyID, EventAttendanceStarted, updated)
	c.bus.ToSection(updated.Triple, EventSessionStatus, statusUpdate(updated, "Attendance is live, scan the QR"))
	c.publishToken(facultyID, updated.ID, tok, expiry, updated.RefreshCount)
	return updated, nil
}

// Scan validates a presented token and marks the student present. The
// session is resolved from the scanner's triple, which is also how group
// tokens route to the right member session.
func (c *Coordinator) Scan(ctx context.Context, stu attend.Student, token, fingerprint, photoRef string) (*attend.Session, error) {
	if stu.ID == "" || stu.Triple.IsZero() {
		return nil, attend.ErrNotStudent
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.store.FindLiveForTriple(ctx, stu.Triple)
	if err != nil {
		metrics.Scans.WithLabelValues("no_session").Inc()
		return nil, err
	}
	if !s.Status.CanScanQR() {
		metrics.Scans.WithLabelValues("closed").Inc()
		return nil, attend.ErrScanClosed
	}

	kind := qrtoken.KindSingle
	wantSID := s.ID
	if s.GroupID != "" {
		kind = qrtoken.KindGroup
		wantSID = s.GroupID
	}

	claims, err := c.minter.Verify(token, kind)
	if err != nil {
		metrics.Scans.WithLabelValues("invalid_token").Inc()
		c.bumpCounters(ctx, s.ID, attend.CounterDelta{InvalidTokenAttempts: 1})
		return nil, err
	}
	if claims.SID != wantSID {
		// Structurally valid token for some other session; stale screen
		// shot or replay across sections.
		metrics.Scans.WithLabelValues("invalid_token").Inc()
		c.bumpCounters(ctx, s.ID, attend.CounterDelta{InvalidTokenAttempts: 1})
		return nil, attend.ErrTokenNotFound
	}

	if !c.cache.IsJoined(ctx, s.ID, stu.ID) {
		metrics.Scans.WithLabelValues("not_joined").Inc()
		return nil, attend.ErrNotJoined
	}

	if err := c.checkDevice(ctx, stu, fingerprint); err != nil {
		if errors.Is(err, attend.ErrSuspectedProxy) {
			metrics.Scans.WithLabelValues("proxy").Inc()
			c.bumpCounters(ctx, s.ID, attend.CounterDelta{DuplicateAttempts: 1})
		}
		return nil, err
	}

	key := stu.PresenceKey(s.Mode)
	if !c.cache.AddAttended(ctx, s.ID, key) {
		metrics.Scans.WithLabelValues("duplicate").Inc()
		c.bumpCounters(ctx, s.ID, attend.CounterDelta{DuplicateAttempts: 1})
		return nil, attend.ErrAlreadyMarked
	}

	if photoRef != "" {
		c.mu.Lock()
		if c.photos[s.ID] == nil {
			c.photos[s.ID] = make(map[string]string)
		}
		c.photos[s.ID][key] = photoRef
		c.mu.Unlock()
	}

	updated, err := c.store.Incr(ctx, s.ID, attend.CounterDelta{Present: 1, TotalScans: 1, UniqueDevices: 1})
	if err != nil {
		return nil, err
	}
	c.remember(updated)
	metrics.Scans.WithLabelValues("ok").Inc()

	c.bus.ToFaculty(s.Faculty.ID, EventAttendanceUpdate, AttendanceUpdate{
		SessionID:  s.ID,
		RollNumber: key,
		Present:    updated.Counters.Present,
		TotalScans: updated.Counters.TotalScans,
	})
	return updated, nil
}

// ValidateResult is the outcome of a dry-run token check.
type ValidateResult struct {
	Valid     bool          `json:"valid"`
	SID       string        `json:"sessionId,omitempty"`
	Kind      qrtoken.Kind  `json:"kind,omitempty"`
	ExpiresAt time.Time     `json:"expiresAt,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// ValidateToken checks a token without any side effects. Students use it to
// pre-flight a scan while the camera preview is open.
func (c *Coordinator) ValidateToken(token string) ValidateResult {
	for _, kind := range []qrtoken.Kind{qrtoken.KindSingle, qrtoken.KindGroup} {
		claims, err := c.minter.Verify(token, kind)
		if err == nil {
			return ValidateResult{Valid: true, SID: claims.SID, Kind: claims.Kind, ExpiresAt: claims.Expiry()}
		}
		if !errors.Is(err, attend.ErrTokenWrongKind) {
			var derr *attend.Error
			if errors.As(err, &derr) {
				return ValidateResult{Reason: derr.Code}
			}
			return ValidateResult{Reason: attend.ErrInternal.Code}
		}
	}
	return ValidateResult{Reason: attend.ErrTokenWrongKind.Code}
}

// StatusView is a student-facing snapshot of their section's session.
type StatusView struct {
	StatusUpdate
	Joined bool `json:"joined"`
	Marked bool `json:"marked"`
}

// SessionStatus reports the live session for the student's section along
// with the student's own membership.
func (c *Coordinator) SessionStatus(ctx context.Context, stu attend.Student) (StatusView, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.store.FindLiveForTriple(ctx, stu.Triple)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		StatusUpdate: statusUpdate(s, ""),
		Joined:       c.cache.IsJoined(ctx, s.ID, stu.ID),
		Marked:       c.cache.IsAttended(ctx, s.ID, stu.PresenceKey(s.Mode)),
	}, nil
}

// BroadcastJoinAvailable re-announces an open session to the section room.
func (c *Coordinator) BroadcastJoinAvailable(ctx context.Context, facultyID, sid string) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.owned(ctx, sid, facultyID)
	if err != nil {
		return err
	}
	if !s.Status.CanJoin() {
		return attend.ErrJoinClosed
	}
	c.bus.ToSection(s.Triple, EventSessionStatus, statusUpdate(s, "Session open, join now"))
	return nil
}

// End closes the session from any live state and writes the durable record.
func (c *Coordinator) End(ctx context.Context, facultyID, sid string) (*attend.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.owned(ctx, sid, facultyID)
	if err != nil {
		return nil, err
	}
	return c.finish(ctx, s, "")
}

// finish is the shared end path: stop rotation, invalidate tokens, CAS to
// ended, reconcile the attendance set into a record, clear cache keys.
func (c *Coordinator) finish(ctx context.Context, s *attend.Session, note string) (*attend.Record, error) {
	return c.finishAt(ctx, s, note, c.now())
}

// finishAt is finish with a caller-chosen end instant. Group ends pass one
// instant for every member so the records share a createdAt.
func (c *Coordinator) finishAt(ctx context.Context, s *attend.Session, note string, now time.Time) (*attend.Record, error) {
	if s.Status == attend.StatusEnded {
		return nil, attend.ErrBadTransition
	}

	c.stopRotator(s.ID)
	c.minter.InvalidateBySession(s.ID)
	updated, err := c.store.Transition(ctx, s.ID, s.Status, attend.StatusEnded, attend.TransitionUpdate{
		SetEndedAt: &now,
		ClearToken: true,
	})
	if err != nil {
		return nil, err
	}

	attended, degraded := c.cache.AttendedMembers(ctx, s.ID)

	c.mu.Lock()
	photos := c.photos[s.ID]
	delete(c.photos, s.ID)
	delete(c.lastRefresh, s.ID)
	c.mu.Unlock()

	rec := reconcile(updated, attended, degraded, photos, now)
	if err := c.store.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}

	c.cache.ClearSession(ctx, s.ID)
	c.forget(s.ID)
	metrics.ActiveSessions.Dec()

	if note == "" {
		note = "Session ended"
	}
	c.bus.ToFaculty(updated.Faculty.ID, EventSessionEnded, SessionEnded{
		SessionID:     updated.ID,
		GroupID:       updated.GroupID,
		PresentCount:  len(rec.Present),
		AbsentCount:   len(rec.Absent),
		TotalStudents: rec.TotalStudents,
		EndedAt:       now,
	})
	c.bus.ToSection(updated.Triple, EventSessionStatus, statusUpdate(updated, note))
	return rec, nil
}

// checkDevice compares the presented fingerprint with the registered
// binding. A student without a binding is accepted; bindings are created by
// the identity system at first login, and enforcement starts once one
// exists. Identity outages degrade to accepting the scan.
func (c *Coordinator) checkDevice(ctx context.Context, stu attend.Student, presented string) error {
	bound, err := c.devices.Lookup(ctx, stu.ID, stu.Triple)
	switch {
	case errors.Is(err, devicecache.ErrNoBinding):
		return nil
	case errors.Is(err, attend.ErrNotStudent):
		return err
	case err != nil:
		c.log.Warn("device lookup degraded, accepting scan",
			slog.String("student", stu.ID), logger.Error(err))
		return nil
	}
	if bound != presented {
		return attend.ErrSuspectedProxy
	}
	return nil
}

// owned loads a session and verifies faculty ownership against the store,
// never against the registry mirror.
func (c *Coordinator) owned(ctx context.Context, sid, facultyID string) (*attend.Session, error) {
	if facultyID == "" {
		return nil, attend.ErrNotFaculty
	}
	s, err := c.store.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	if s.Faculty.ID != facultyID {
		return nil, attend.ErrNotOwner
	}
	return s, nil
}

// bumpCounters applies a best-effort counter delta; scan rejections must
// not fail because a counter write did.
func (c *Coordinator) bumpCounters(ctx context.Context, sid string, delta attend.CounterDelta) {
	if _, err := c.store.Incr(ctx, sid, delta); err != nil {
		c.log.Warn("counter increment failed", logger.SessionID(sid), logger.Error(err))
	}
}

func (c *Coordinator) remember(s *attend.Session) {
	if s.Status == attend.StatusEnded {
		c.registry.Remove(s.ID)
		return
	}
	c.registry.Put(s.ID, s)
}

func (c *Coordinator) forget(sid string) {
	c.registry.Remove(sid)
}
