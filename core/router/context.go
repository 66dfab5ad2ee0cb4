package router

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Context is the default handler.Context implementation. Applications with
// richer request state embed it or provide their own factory.
type Context struct {
	w http.ResponseWriter
	r *http.Request

	mu     sync.RWMutex
	values map[any]any
}

// NewContext creates a default request context.
func NewContext(w http.ResponseWriter, r *http.Request) *Context {
	return &Context{w: w, r: r}
}

// Request returns the underlying HTTP request.
func (c *Context) Request() *http.Request { return c.r }

// ResponseWriter returns the response writer.
func (c *Context) ResponseWriter() http.ResponseWriter { return c.w }

// Param returns the named path wildcard value.
func (c *Context) Param(key string) string { return c.r.PathValue(key) }

// SetValue stores a request-scoped value, retrievable through Value.
func (c *Context) SetValue(key, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[any]any)
	}
	c.values[key] = val
}

// Deadline implements context.Context by delegating to the request context.
func (c *Context) Deadline() (time.Time, bool) { return c.r.Context().Deadline() }

// Done implements context.Context.
func (c *Context) Done() <-chan struct{} { return c.r.Context().Done() }

// Err implements context.Context.
func (c *Context) Err() error { return c.r.Context().Err() }

// Value returns request-scoped values, falling back to the request context.
func (c *Context) Value(key any) any {
	c.mu.RLock()
	if val, ok := c.values[key]; ok {
		c.mu.RUnlock()
		return val
	}
	c.mu.RUnlock()
	return c.r.Context().Value(key)
}

var _ context.Context = (*Context)(nil)
