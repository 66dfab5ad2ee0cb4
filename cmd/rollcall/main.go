package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/attend/devicecache"
	"github.com/rollcall-app/rollcall/attend/livecache"
	"github.com/rollcall-app/rollcall/attend/mongodb"
	"github.com/rollcall-app/rollcall/attend/qrtoken"
	"github.com/rollcall-app/rollcall/core/auth"
	"github.com/rollcall-app/rollcall/core/config"
	"github.com/rollcall-app/rollcall/core/healthcheck"
	"github.com/rollcall-app/rollcall/core/logger"
	"github.com/rollcall-app/rollcall/core/server"
	"github.com/rollcall-app/rollcall/httpapi"
	mongoconn "github.com/rollcall-app/rollcall/integration/database/mongo"
	"github.com/rollcall-app/rollcall/integration/database/pg"
	redisconn "github.com/rollcall-app/rollcall/integration/database/redis"
	"github.com/rollcall-app/rollcall/integration/identity"
	"github.com/rollcall-app/rollcall/pkg/broadcast"
	"github.com/rollcall-app/rollcall/pkg/ratelimiter"
	"github.com/rollcall-app/rollcall/realtime"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	sweepInterval  = time.Minute
	orphanInterval = 15 * time.Second
	reapInterval   = time.Hour
	// Ended sessions stay queryable for a day. The Mongo TTL index does
	// the actual expiry; this reaper is the backstop for deployments
	// where the TTL monitor is disabled. Durable records are never
	// reaped.
	endedRetention = 24 * time.Hour

	fabricChannel = "rollcall:events"
	fabricBuffer  = 256
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg Config
	config.MustLoad(&cfg)

	logOpt := logger.WithDevelopment(cfg.AppName)
	if cfg.Environment == "production" {
		logOpt = logger.WithProduction(cfg.AppName)
	}
	log := logger.New(logOpt)

	workerID := cfg.ClusterWorker
	isWorker := workerID != ""
	if workerID == "" {
		workerID = uuid.NewString()
	}

	// Session store. Unreachable Mongo is fatal; it is the source of truth.
	db, err := mongoconn.NewWithDatabase(ctx, cfg.Mongo, cfg.DatabaseName)
	if err != nil {
		log.Error("failed to connect to mongodb", logger.Error(err))
		os.Exit(1)
	}
	store := mongodb.New(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		log.Error("failed to ensure indexes", logger.Error(err))
		os.Exit(1)
	}

	// Shared cache. Redis being down is not fatal; the cache degrades to
	// its in-process mirror and heals when Redis returns.
	var redisClient *redis.Client
	if !cfg.RedisDisabled {
		redisClient, err = redisconn.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, starting in fallback mode", logger.Error(err))
			redisClient = nil
		}
	}
	cache := livecache.New(redisClient, livecache.WithLogger(log))

	// Identity store for device bindings.
	pool, err := pg.Connect(ctx, cfg.Identity)
	if err != nil {
		log.Error("failed to connect to identity database", logger.Error(err))
		os.Exit(1)
	}
	defer pool.Close()
	devices := devicecache.New(cache, identity.NewReader(pool))

	minter, err := qrtoken.New(cfg.JWTSecret)
	if err != nil {
		log.Error("invalid signing secret", logger.Error(err))
		os.Exit(1)
	}
	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Error("invalid signing secret", logger.Error(err))
		os.Exit(1)
	}

	// Realtime fabric: Redis pub/sub when sharded, in-memory otherwise.
	var fabric broadcast.Broadcaster[realtime.Envelope]
	if redisClient != nil {
		fabric = broadcast.NewRedisBroadcaster[realtime.Envelope](redisClient, fabricChannel, fabricBuffer,
			broadcast.WithRedisLogger[realtime.Envelope](log))
	} else {
		fabric = broadcast.NewMemoryBroadcaster[realtime.Envelope](fabricBuffer)
	}
	hub := realtime.NewHub(fabric, realtime.WithLogger(log))

	coord := coordinator.New(store, cache, devices, minter,
		coordinator.WithBus(hub),
		coordinator.WithLogger(log),
		coordinator.WithWorkerID(workerID),
	)

	// Re-adopt sessions this worker owned before a restart.
	if err := coord.RecoverActive(ctx); err != nil {
		log.Warn("active session recovery failed", logger.Error(err))
	}

	var scanStore ratelimiter.Store
	if redisClient != nil {
		scanStore, err = ratelimiter.NewRedisStore(redisClient)
		if err != nil {
			log.Warn("redis rate limit store unavailable, using per-worker limits", logger.Error(err))
			scanStore = nil
		}
	}

	r := httpapi.NewRouter(httpapi.Deps{
		Coordinator:    coord,
		Cache:          cache,
		Verifier:       verifier,
		Hub:            hub,
		Log:            log,
		Cluster:        healthcheck.Cluster{IsWorker: isWorker, ID: workerID},
		AllowedOrigins: []string{cfg.FrontendURL},
		ScanStore:      scanStore,
	})

	srv, err := server.NewFromConfig(cfg.Server, log)
	if err != nil {
		log.Error("invalid server configuration", logger.Error(err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Run(gctx, r))

	// Maintenance loops run on the master only so the fleet does not
	// duplicate sweeps.
	if !isWorker {
		g.Go(maintenance(gctx, log, sweepInterval, func(context.Context) error {
			minter.Sweep()
			return nil
		}))
		g.Go(maintenance(gctx, log, orphanInterval, coord.ReapOrphans))
		g.Go(maintenance(gctx, log, reapInterval, func(ctx context.Context) error {
			n, err := coord.ReapEnded(ctx, endedRetention)
			if n > 0 {
				log.Info("reaped ended sessions", "count", n)
			}
			return err
		}))
	}

	log.Info("rollcall started",
		"addr", cfg.Server.Addr(),
		"worker", isWorker,
		"redis_fallback", cache.Fallback(),
	)

	err = g.Wait()

	// Stop rotators first so leases are released before connections drop.
	coord.Shutdown()
	hub.Close()

	if err != nil {
		log.Error("exited with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// maintenance runs fn on a fixed interval until the context ends. Failures
// are logged, never fatal.
func maintenance(ctx context.Context, log *slog.Logger, every time.Duration, fn func(context.Context) error) func() error {
	return func() error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.Warn("maintenance task failed", "error", err)
				}
			}
		}
	}
}
