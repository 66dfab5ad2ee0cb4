// Package logger provides structured logging built on Go's standard slog
// package: a factory with environment presets plus nil-safe attribute helpers
// for common logging scenarios.
package logger

import (
	"io"
	"log/slog"
	"os"
)

type options struct {
	level   slog.Level
	json    bool
	output  io.Writer
	attrs   []slog.Attr
	service string
}

// Option configures the logger factory.
type Option func(*options)

// WithLevel sets the minimum log level.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// WithJSONFormatter switches output to JSON format.
func WithJSONFormatter() Option {
	return func(o *options) { o.json = true }
}

// WithOutput redirects log output. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithAttr adds a static attribute to every record.
func WithAttr(attrs ...slog.Attr) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// WithDevelopment configures text output at debug level with a service name.
func WithDevelopment(service string) Option {
	return func(o *options) {
		o.service = service
		o.level = slog.LevelDebug
		o.json = false
	}
}

// WithProduction configures JSON output at info level with a service name.
func WithProduction(service string) Option {
	return func(o *options) {
		o.service = service
		o.level = slog.LevelInfo
		o.json = true
	}
}

// New creates a slog.Logger from the given options.
// Without options it logs text at info level to stdout.
func New(opts ...Option) *slog.Logger {
	o := &options{
		level:  slog.LevelInfo,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}

	handlerOpts := &slog.HandlerOptions{Level: o.level}

	var h slog.Handler
	if o.json {
		h = slog.NewJSONHandler(o.output, handlerOpts)
	} else {
		h = slog.NewTextHandler(o.output, handlerOpts)
	}

	attrs := o.attrs
	if o.service != "" {
		attrs = append([]slog.Attr{slog.String("service", o.service)}, attrs...)
	}
	if len(attrs) > 0 {
		h = h.WithAttrs(attrs)
	}

	return slog.New(h)
}

// Noop returns a logger that discards everything. Useful as a default
// for components that accept an optional logger.
func Noop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
