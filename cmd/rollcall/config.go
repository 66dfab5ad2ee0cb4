package main

import (
	mongodb "github.com/rollcall-app/rollcall/integration/database/mongo"
	"github.com/rollcall-app/rollcall/integration/database/pg"
	redisdb "github.com/rollcall-app/rollcall/integration/database/redis"
	"github.com/rollcall-app/rollcall/core/server"
)

// Config aggregates every component's settings. Nested structs map their
// own env vars; the loader fills the whole tree in one pass.
type Config struct {
	AppName     string `env:"APP_NAME" envDefault:"rollcall"`
	Environment string `env:"APP_ENV" envDefault:"development"`

	// FrontendURL is the CORS and websocket origin allowlist entry.
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	// JWTSecret signs QR tokens and verifies bearer credentials.
	JWTSecret string `env:"JWT_SECRET,required"`

	// ClusterWorker is set on forked worker processes. The master (unset)
	// runs the maintenance loops.
	ClusterWorker string `env:"CLUSTER_WORKER" envDefault:""`

	// DatabaseName is the Mongo database holding sessions and records.
	DatabaseName string `env:"DB_NAME" envDefault:"rollcall"`

	// RedisDisabled forces fallback mode; useful for local development
	// without a cache.
	RedisDisabled bool `env:"REDIS_DISABLED" envDefault:"false"`

	Server   server.Config
	Mongo    mongodb.Config
	Redis    redisdb.Config
	Identity pg.Config
}
