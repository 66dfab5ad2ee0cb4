package server

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds server configuration with environment variable support.
// PORT is kept separate from the bind host because the platform injects it.
type Config struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	Host            string        `env:"SERVER_HOST" envDefault:""`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Addr returns the listen address in host:port form.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewFromConfig creates a Server from configuration. Additional options
// override config values.
func NewFromConfig(cfg Config, log *slog.Logger, opts ...Option) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, ErrMissingAddress
	}

	configOpts := []Option{
		WithReadTimeout(cfg.ReadTimeout),
		WithWriteTimeout(cfg.WriteTimeout),
		WithIdleTimeout(cfg.IdleTimeout),
		WithShutdownTimeout(cfg.ShutdownTimeout),
	}
	if log != nil {
		configOpts = append(configOpts, WithLogger(log))
	}
	configOpts = append(configOpts, opts...)

	return New(cfg.Addr(), configOpts...), nil
}
