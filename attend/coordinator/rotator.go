package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/qrtoken"
	"github.com/rollcall-app/rollcall/core/logger"
	"github.com/rollcall-app/rollcall/core/metrics"
	"github.com/rollcall-app/rollcall/pkg/qrcode"
)

const (
	// rotatePeriod is the advertised token lifetime; one fresh token per
	// period while the session is active.
	rotatePeriod = qrtoken.AdvertisedTTL

	// rotateTimeout bounds each rotation's store writes. Tighter than the
	// request-path timeout, a missed rotation is cheaper than a late one.
	rotateTimeout = time.Second

	// orphanAge is how stale an active session's token must be before the
	// reaper considers its rotator dead and re-elects an owner.
	orphanAge = 15 * time.Second

	// manualRefreshMin rate-limits faculty-requested refreshes.
	manualRefreshMin = 2 * time.Second
)

// rotator is one session's (or group's) token refresh loop. Exactly one
// worker runs a rotator for a given sid, enforced by the cache lease.
type rotator struct {
	sid       string
	kind      qrtoken.Kind
	facultyID string
	mirror    []string // member session ids, group rotators only
	cancel    context.CancelFunc
	refresh   chan struct{}
}

// startRotator launches the refresh loop for sid. No-op when this worker
// already runs one or another worker holds the lease.
func (c *Coordinator) startRotator(sid string, kind qrtoken.Kind, facultyID string, mirror ...string) {
	c.mu.Lock()
	if _, running := c.rotators[sid]; running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	leaseCtx, cancelLease := context.WithTimeout(context.Background(), rotateTimeout)
	acquired := c.cache.AcquireRotatorLease(leaseCtx, sid, c.workerID)
	cancelLease()
	if !acquired {
		c.log.Info("rotator lease held elsewhere", logger.SessionID(sid))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &rotator{
		sid:       sid,
		kind:      kind,
		facultyID: facultyID,
		mirror:    mirror,
		cancel:    cancel,
		refresh:   make(chan struct{}, 1),
	}

	c.mu.Lock()
	c.rotators[sid] = r
	c.mu.Unlock()

	go c.rotateLoop(ctx, r)
}

// nudgeRotator asks a locally running rotator to mint out of band. Used
// after adopting an orphan so holders of the stale token are not left
// waiting out a full tick.
func (c *Coordinator) nudgeRotator(sid string) {
	c.mu.Lock()
	r, ok := c.rotators[sid]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

// stopRotator cancels the loop and releases the lease. Idempotent.
func (c *Coordinator) stopRotator(sid string) {
	c.mu.Lock()
	r, ok := c.rotators[sid]
	if ok {
		delete(c.rotators, sid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), rotateTimeout)
	defer cancel()
	c.cache.ReleaseRotatorLease(ctx, sid, c.workerID)
}

func (c *Coordinator) rotateLoop(ctx context.Context, r *rotator) {
	ticker := time.NewTicker(rotatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.refresh:
			ticker.Reset(rotatePeriod)
		}
		if !c.rotateOnce(r) {
			c.stopRotator(r.sid)
			return
		}
	}
}

// rotateOnce mints and installs one fresh token. Returns false when the
// loop must stop: lease lost or session no longer active. Transient store
// errors keep the loop alive for the next tick.
func (c *Coordinator) rotateOnce(r *rotator) bool {
	ctx, cancel := context.WithTimeout(context.Background(), rotateTimeout)
	defer cancel()

	if !c.cache.RefreshRotatorLease(ctx, r.sid, c.workerID) {
		c.log.Info("rotator lease lost", logger.SessionID(r.sid))
		return false
	}

	tok, expiry, err := c.minter.Mint(r.sid, r.kind)
	if err != nil {
		c.log.Error("token mint failed", logger.SessionID(r.sid), logger.Error(err))
		return true
	}

	var refreshCount int64
	if r.kind == qrtoken.KindGroup {
		g, err := c.store.UpdateGroupToken(ctx, r.sid, tok, expiry)
		if err != nil {
			return c.rotateErr(r.sid, err)
		}
		refreshCount = g.RefreshCount
		if len(r.mirror) > 0 {
			if err := c.store.MirrorToken(ctx, r.mirror, tok, expiry); err != nil {
				c.log.Warn("token mirror failed", logger.SessionID(r.sid), logger.Error(err))
			}
		}
	} else {
		s, err := c.store.UpdateToken(ctx, r.sid, tok, expiry)
		if err != nil {
			return c.rotateErr(r.sid, err)
		}
		refreshCount = s.RefreshCount
		c.remember(s)
	}

	metrics.TokenRotations.Inc()
	c.publishToken(r.facultyID, r.sid, tok, expiry, refreshCount)
	return true
}

// rotateErr decides whether a failed token write stops the loop. A bad
// transition means the session left the active state under us; anything
// else is transient.
func (c *Coordinator) rotateErr(sid string, err error) bool {
	var derr *attend.Error
	if errors.As(err, &derr) && !derr.Retriable {
		c.log.Info("rotator stopping", logger.SessionID(sid), slog.String("code", derr.Code))
		return false
	}
	c.log.Warn("token rotation failed, will retry", logger.SessionID(sid), logger.Error(err))
	return true
}

// publishToken renders the QR image and pushes the fresh token to the
// faculty room.
func (c *Coordinator) publishToken(facultyID, sid, tok string, expiry time.Time, refreshCount int64) {
	img, err := qrcode.GenerateBase64Image(tok, qrcode.DefaultSize)
	if err != nil {
		c.log.Error("qr render failed", logger.SessionID(sid), logger.Error(err))
	}
	c.bus.ToFaculty(facultyID, EventTokenRefreshed, TokenRefreshed{
		SessionID:    sid,
		Token:        tok,
		Expiry:       expiry.UnixMilli(),
		RefreshCount: refreshCount,
		TimerSeconds: int(rotatePeriod / time.Second),
		QRImage:      img,
	})
}

// RequestTokenRefresh rotates ahead of schedule on faculty demand, at most
// once per two seconds per session. When the rotator runs on this worker
// the loop is nudged; otherwise a one-shot rotation is performed inline.
func (c *Coordinator) RequestTokenRefresh(ctx context.Context, facultyID, sid string) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, err := c.owned(ctx, sid, facultyID)
	if err != nil {
		return err
	}
	if s.Status != attend.StatusActive {
		return attend.ErrBadTransition
	}

	now := c.now()
	c.mu.Lock()
	if last, ok := c.lastRefresh[sid]; ok && now.Sub(last) < manualRefreshMin {
		c.mu.Unlock()
		return nil
	}
	c.lastRefresh[sid] = now
	r, running := c.rotators[sid]
	c.mu.Unlock()

	if running {
		select {
		case r.refresh <- struct{}{}:
		default:
		}
		return nil
	}

	if s.GroupID != "" {
		// Member of a group: the group rotator owns the stream.
		return nil
	}

	// Rotator lives on another worker (or died); a one-shot rotation is
	// safe because the previous token stays valid until its own expiry.
	tok, expiry, err := c.minter.Mint(sid, qrtoken.KindSingle)
	if err != nil {
		return err
	}
	updated, err := c.store.UpdateToken(ctx, sid, tok, expiry)
	if err != nil {
		return err
	}
	c.remember(updated)
	metrics.TokenRotations.Inc()
	c.publishToken(facultyID, sid, tok, expiry, updated.RefreshCount)
	return nil
}

// RecoverActive re-adopts rotators for sessions and groups that were
// active when this worker last stopped. Called once at startup.
func (c *Coordinator) RecoverActive(ctx context.Context) error {
	sessions, err := c.store.FindByStatus(ctx, attend.StatusActive)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		c.remember(s)
		metrics.ActiveSessions.Inc()
		if s.GroupID != "" {
			continue // the group rotator covers members
		}
		c.startRotator(s.ID, qrtoken.KindSingle, s.Faculty.ID)
	}

	groups, err := c.store.FindGroupsByStatus(ctx, attend.StatusActive)
	if err != nil {
		return err
	}
	for _, g := range groups {
		c.startRotator(g.ID, qrtoken.KindGroup, g.Faculty.ID, memberSIDs(g)...)
	}
	return nil
}

func memberSIDs(g *attend.GroupSession) []string {
	sids := make([]string, len(g.Members))
	for i, m := range g.Members {
		sids[i] = m.SessionID
	}
	return sids
}

// ReapOrphans re-elects rotator owners for active sessions whose token has
// gone stale, which happens when the owning worker crashed mid-session.
// Master-only maintenance.
func (c *Coordinator) ReapOrphans(ctx context.Context) error {
	sessions, err := c.store.FindByStatus(ctx, attend.StatusActive)
	if err != nil {
		return err
	}
	now := c.now()
	for _, s := range sessions {
		if s.GroupID != "" {
			continue // the group's own token staleness decides
		}
		if now.Sub(s.TokenExpiry) < orphanAge {
			continue
		}
		c.log.Warn("adopting orphaned rotator",
			logger.SessionID(s.ID),
			slog.Time("tokenExpiry", s.TokenExpiry),
		)
		c.startRotator(s.ID, qrtoken.KindSingle, s.Faculty.ID)
		c.nudgeRotator(s.ID)
	}

	groups, err := c.store.FindGroupsByStatus(ctx, attend.StatusActive)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if now.Sub(g.TokenExpiry) < orphanAge {
			continue
		}
		c.log.Warn("adopting orphaned group rotator",
			logger.SessionID(g.ID),
			slog.Time("tokenExpiry", g.TokenExpiry),
		)
		c.startRotator(g.ID, qrtoken.KindGroup, g.Faculty.ID, memberSIDs(g)...)
		c.nudgeRotator(g.ID)
	}
	return nil
}

// ReapEnded removes ended sessions older than the cutoff from the store.
// Master-only maintenance.
func (c *Coordinator) ReapEnded(ctx context.Context, olderThan time.Duration) (int64, error) {
	return c.store.Reap(ctx, c.now().Add(-olderThan))
}

// Shutdown stops every rotator this worker owns. Leases are released so
// another worker (or the reaper) can take over promptly.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	sids := make([]string, 0, len(c.rotators))
	for sid := range c.rotators {
		sids = append(sids, sid)
	}
	c.mu.Unlock()
	for _, sid := range sids {
		c.stopRotator(sid)
	}
}
