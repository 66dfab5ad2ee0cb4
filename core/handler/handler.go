// Package handler defines the request-processing contract shared by the HTTP
// surface and the realtime bus: type-safe handlers over a custom context,
// responses as render functions, and composable middleware.
package handler

import (
	"context"
	"net/http"
)

// Context is the contract for request contexts. It extends the standard
// context with HTTP-specific accessors so handlers never touch globals.
type Context interface {
	context.Context
	Request() *http.Request
	ResponseWriter() http.ResponseWriter
	Param(key string) string
	SetValue(key, val any)
}

// Response renders an HTTP response: it sets headers, status code, and body.
// Rendering errors are handled by the router's error handler.
type Response func(w http.ResponseWriter, r *http.Request) error

// HandlerFunc is a type-safe HTTP request handler with custom context support.
type HandlerFunc[C Context] func(ctx C) Response

// ErrorHandler handles errors raised during request processing.
type ErrorHandler[C Context] func(ctx C, err error)

// Middleware wraps handlers to add cross-cutting functionality.
type Middleware[C Context] func(next HandlerFunc[C]) HandlerFunc[C]
