// Package pg provides a pgx connection pool for the external identity
// database. The coordinator is a read-only consumer of that schema; it owns
// no tables there.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrEmptyConnectionURL = errors.New("empty postgres connection URL")
	ErrFailedToConnect    = errors.New("failed to connect to postgres")
	ErrHealthcheckFailed  = errors.New("postgres healthcheck failed")
)

// Config holds identity database settings with environment variable mapping.
type Config struct {
	ConnectionURL string        `env:"IDENTITY_DB_URL,required"`
	MaxConns      int32         `env:"IDENTITY_DB_MAX_CONNS" envDefault:"10"`
	RetryAttempts int           `env:"IDENTITY_DB_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"IDENTITY_DB_RETRY_INTERVAL" envDefault:"5s"`
}

// Connect creates a pgx pool and verifies connectivity, retrying transient
// failures.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToConnect, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrFailedToConnect, lastErr)
}

// Healthcheck returns a probe function suitable for readiness endpoints.
func Healthcheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrHealthcheckFailed, err)
		}
		return nil
	}
}
