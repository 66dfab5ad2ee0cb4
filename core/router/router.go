// Package router provides a type-safe HTTP router with custom context
// support, middleware chaining, and centralized error handling. Route
// matching is delegated to net/http.ServeMux method and wildcard patterns;
// the router layers the typed handler contract on top.
package router

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/logger"
)

// Router dispatches requests to type-safe handlers over context type C.
type Router[C handler.Context] struct {
	mux          *http.ServeMux
	middlewares  []handler.Middleware[C]
	errorHandler handler.ErrorHandler[C]
	newContext   func(w http.ResponseWriter, r *http.Request) C
	logger       *slog.Logger
}

// Option configures a Router.
type Option[C handler.Context] func(*Router[C])

// WithContextFactory supplies the factory producing the custom context for
// each request. Required for any context type other than *router.Context.
func WithContextFactory[C handler.Context](fn func(w http.ResponseWriter, r *http.Request) C) Option[C] {
	return func(rt *Router[C]) { rt.newContext = fn }
}

// WithErrorHandler replaces the default error handler.
func WithErrorHandler[C handler.Context](fn handler.ErrorHandler[C]) Option[C] {
	return func(rt *Router[C]) { rt.errorHandler = fn }
}

// WithLogger sets the logger used for panic reporting.
func WithLogger[C handler.Context](log *slog.Logger) Option[C] {
	return func(rt *Router[C]) { rt.logger = log }
}

// New creates a router with the given options.
func New[C handler.Context](opts ...Option[C]) *Router[C] {
	rt := &Router[C]{
		mux:          http.NewServeMux(),
		errorHandler: defaultErrorHandler[C],
		logger:       logger.Noop(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.newContext == nil {
		rt.newContext = func(w http.ResponseWriter, r *http.Request) C {
			var zero C
			if _, ok := any(zero).(*Context); ok {
				return any(NewContext(w, r)).(C)
			}
			panic(ErrNoContextFactory)
		}
	}
	return rt
}

// Use appends middleware applied to every route registered afterwards.
func (rt *Router[C]) Use(middlewares ...handler.Middleware[C]) {
	rt.middlewares = append(rt.middlewares, middlewares...)
}

// Get registers a GET handler for the pattern.
func (rt *Router[C]) Get(pattern string, h handler.HandlerFunc[C]) {
	rt.Method(http.MethodGet, pattern, h)
}

// Post registers a POST handler for the pattern.
func (rt *Router[C]) Post(pattern string, h handler.HandlerFunc[C]) {
	rt.Method(http.MethodPost, pattern, h)
}

// Put registers a PUT handler for the pattern.
func (rt *Router[C]) Put(pattern string, h handler.HandlerFunc[C]) {
	rt.Method(http.MethodPut, pattern, h)
}

// Delete registers a DELETE handler for the pattern.
func (rt *Router[C]) Delete(pattern string, h handler.HandlerFunc[C]) {
	rt.Method(http.MethodDelete, pattern, h)
}

// Method registers a handler for an explicit HTTP method and pattern.
// The pattern uses ServeMux syntax, e.g. "/proxy/session-stats/{sid}".
func (rt *Router[C]) Method(method, pattern string, h handler.HandlerFunc[C]) {
	// Snapshot the middleware chain at registration time, outermost first.
	chain := h
	for i := len(rt.middlewares) - 1; i >= 0; i-- {
		chain = rt.middlewares[i](chain)
	}
	rt.mux.HandleFunc(method+" "+pattern, func(w http.ResponseWriter, r *http.Request) {
		rt.dispatch(w, r, chain)
	})
}

// Handle registers a plain http.Handler, bypassing the typed chain.
// Used for third-party handlers such as the Prometheus exporter.
func (rt *Router[C]) Handle(pattern string, h http.Handler) {
	rt.mux.Handle(pattern, h)
}

// ServeHTTP implements http.Handler.
func (rt *Router[C]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

func (rt *Router[C]) dispatch(w http.ResponseWriter, r *http.Request, h handler.HandlerFunc[C]) {
	ww := newResponseWriter(w)
	ctx := rt.newContext(ww, r)

	defer func() {
		if p := recover(); p != nil {
			perr := &panicError{value: p, stack: debug.Stack()}
			if ww.Written() {
				rt.logger.Error("panic after response written",
					"value", perr.value,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(perr.stack),
				)
				return
			}
			rt.errorHandler(ctx, perr)
		}
	}()

	resp := h(ctx)
	if resp == nil {
		rt.errorHandler(ctx, ErrNilResponse)
		return
	}
	if err := resp(ww, r); err != nil {
		if !ww.Written() {
			rt.errorHandler(ctx, err)
			return
		}
		rt.logger.Error("response render failed after write",
			"error", err, "path", r.URL.Path, "method", r.Method)
	}
}
