// Package httpapi exposes the coordinator over HTTP for clients without a
// realtime channel: the /qr lifecycle mirrors, the student scan surface,
// the /proxy removal gate, and the operational endpoints.
package httpapi

import (
	"net/http"

	"github.com/rollcall-app/rollcall/core/auth"
	"github.com/rollcall-app/rollcall/core/router"
)

// Context is the request context for the API: the base router context plus
// the authenticated identity resolved by the auth middleware.
type Context struct {
	*router.Context
	identity auth.Identity
}

// Identity returns the authenticated caller. Zero until the auth
// middleware has run.
func (c *Context) Identity() auth.Identity { return c.identity }

func newContext(w http.ResponseWriter, r *http.Request) *Context {
	return &Context{Context: router.NewContext(w, r)}
}
