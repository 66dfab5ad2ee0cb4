package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/attend/livecache"
	"github.com/rollcall-app/rollcall/core/auth"
	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/healthcheck"
	"github.com/rollcall-app/rollcall/core/logger"
	"github.com/rollcall-app/rollcall/core/router"
	"github.com/rollcall-app/rollcall/middleware"
	"github.com/rollcall-app/rollcall/pkg/ratelimiter"
	"github.com/rollcall-app/rollcall/realtime"
)

// Scan endpoints allow short bursts but settle at one attempt per second,
// which is well above the five second token rotation cadence.
var scanLimitConfig = ratelimiter.Config{
	Capacity:       10,
	RefillRate:     1,
	RefillInterval: time.Second,
}

// Deps are the collaborators the API wires together.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Cache       *livecache.Cache
	Verifier    *auth.Verifier
	Hub         *realtime.Hub
	Log         *slog.Logger
	Cluster     healthcheck.Cluster

	// AllowedOrigins is the CORS allowlist, typically the frontend URL.
	AllowedOrigins []string

	// ScanStore backs the per-student scan rate limiter. A Redis store
	// shares the budget across workers; nil falls back to a per-worker
	// in-memory store.
	ScanStore ratelimiter.Store
}

// NewRouter assembles the full HTTP surface.
func NewRouter(d Deps) *router.Router[*Context] {
	log := d.Log
	if log == nil {
		log = logger.Noop()
	}

	r := router.New[*Context](
		router.WithContextFactory[*Context](newContext),
		router.WithErrorHandler[*Context](errorHandler),
		router.WithLogger[*Context](log),
	)

	r.Use(
		middleware.RequestID[*Context](),
		middleware.LoggingWithLogger[*Context](log),
		middleware.SecurityHeaders[*Context](),
		middleware.BodyLimitWithSize[*Context](1<<20),
		middleware.CORSWithConfig[*Context](middleware.CORSConfig{
			AllowOrigins:     d.AllowedOrigins,
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}),
	)

	// Operational endpoints are unauthenticated.
	r.Get("/status", healthcheck.Handler[*Context](d.Cluster, cacheProbe(d.Cache)))
	r.Handle("/metrics", promhttp.Handler())

	// The websocket endpoint authenticates during its own handshake
	// because browser clients cannot set headers on upgrade requests.
	if d.Hub != nil {
		r.Get("/ws", realtime.Endpoint[*Context](d.Hub, d.Coordinator, d.Verifier, originCheck(d.AllowedOrigins)))
	}

	authed := authenticate(d.Verifier)

	// Faculty lifecycle mirrors.
	fr := group(r, authed, requireFaculty())
	fr.post("/qr/start-session", startSession(d.Coordinator))
	fr.post("/qr/lock-session", sessionTransition(func(ctx *Context, sid string) (*attend.Session, error) {
		return d.Coordinator.Lock(ctx, ctx.Identity().ID, sid)
	}))
	fr.post("/qr/unlock-session", sessionTransition(func(ctx *Context, sid string) (*attend.Session, error) {
		return d.Coordinator.Unlock(ctx, ctx.Identity().ID, sid)
	}))
	fr.post("/qr/start-attendance", sessionTransition(func(ctx *Context, sid string) (*attend.Session, error) {
		return d.Coordinator.StartAttendance(ctx, ctx.Identity().ID, sid)
	}))
	fr.post("/qr/end-session", endSession(d.Coordinator))
	fr.get("/qr/session-qr", sessionQR(d.Coordinator))
	fr.get("/proxy/session-stats/{sid}", sessionStats(d.Coordinator))

	fr.post("/qr/group/start-session", startGroup(d.Coordinator))
	fr.post("/qr/group/lock-session", groupTransition(func(ctx *Context, gid string) (*attend.GroupSession, error) {
		return d.Coordinator.LockGroup(ctx, ctx.Identity().ID, gid)
	}))
	fr.post("/qr/group/unlock-session", groupTransition(func(ctx *Context, gid string) (*attend.GroupSession, error) {
		return d.Coordinator.UnlockGroup(ctx, ctx.Identity().ID, gid)
	}))
	fr.post("/qr/group/start-attendance", groupTransition(func(ctx *Context, gid string) (*attend.GroupSession, error) {
		return d.Coordinator.StartGroupAttendance(ctx, ctx.Identity().ID, gid)
	}))
	fr.post("/qr/group/end-session", endGroup(d.Coordinator))

	// Student surface. Scan and validate carry a per-student rate limit
	// because both burn tokens against the rotating QR.
	sr := group(r, authed, requireStudent())
	sr.post("/qr/join-session", joinSession(d.Coordinator))

	scanLimited := group(r, authed, requireStudent(),
		middleware.ClientIP[*Context](),
		middleware.Fingerprint[*Context](),
		scanRateLimit(d.ScanStore),
	)
	scanLimited.post("/qr/scan-qr", scanQR(d.Coordinator))
	scanLimited.post("/qr/validate-qr", validateQR(d.Coordinator))
	sr.get("/qr/session-status", sessionStatus(d.Coordinator))
	sr.post("/proxy/remove-student", removeStudent(d.Coordinator))
	sr.post("/proxy/student-status", studentStatus(d.Coordinator))

	return r
}

// routeGroup applies a shared middleware prefix to a set of routes.
type routeGroup struct {
	r   *router.Router[*Context]
	mws []handler.Middleware[*Context]
}

func group(r *router.Router[*Context], mws ...handler.Middleware[*Context]) routeGroup {
	return routeGroup{r: r, mws: mws}
}

func (g routeGroup) wrap(h handler.HandlerFunc[*Context]) handler.HandlerFunc[*Context] {
	for i := len(g.mws) - 1; i >= 0; i-- {
		h = g.mws[i](h)
	}
	return h
}

func (g routeGroup) get(pattern string, h handler.HandlerFunc[*Context]) {
	g.r.Get(pattern, g.wrap(h))
}

func (g routeGroup) post(pattern string, h handler.HandlerFunc[*Context]) {
	g.r.Post(pattern, g.wrap(h))
}

// scanRateLimit builds the per-student scan limiter over the given store.
// Keying by the authenticated student ID keeps the budget intact when a
// phone hops between wifi and mobile data mid-session.
func scanRateLimit(store ratelimiter.Store) handler.Middleware[*Context] {
	if store == nil {
		store = ratelimiter.NewMemoryStore()
	}
	limiter, err := ratelimiter.NewBucket(store, scanLimitConfig)
	if err != nil {
		panic(fmt.Sprintf("httpapi: scan rate limiter: %v", err))
	}
	return middleware.RateLimit[*Context](middleware.RateLimitConfig{
		Limiter:    limiter,
		SetHeaders: true,
		KeyExtractor: func(ctx handler.Context) string {
			if c, ok := ctx.(*Context); ok && c.Identity().ID != "" {
				return "scan:" + c.Identity().ID
			}
			return "scan:" + ctx.Request().RemoteAddr
		},
	})
}

// cacheProbe snapshots the shared cache state for the /status payload.
func cacheProbe(cache *livecache.Cache) func(context.Context) healthcheck.Redis {
	return func(context.Context) healthcheck.Redis {
		if cache == nil {
			return healthcheck.Redis{}
		}
		return healthcheck.Redis{
			Connected: !cache.Fallback(),
			Fallback:  cache.Fallback() || !cache.Healthy(),
			Healthy:   cache.Healthy(),
		}
	}
}

// originCheck allows same-origin requests plus the configured allowlist.
func originCheck(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
