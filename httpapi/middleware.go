package httpapi

import (
	"strings"

	"github.com/rollcall-app/rollcall/core/auth"
	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/response"
)

// authenticate resolves the bearer credential into an identity and stores
// it on the context. Requests without a valid credential are rejected
// before any handler runs.
func authenticate(verifier *auth.Verifier) handler.Middleware[*Context] {
	return func(next handler.HandlerFunc[*Context]) handler.HandlerFunc[*Context] {
		return func(ctx *Context) handler.Response {
			raw := ctx.Request().Header.Get("Authorization")
			tok, ok := strings.CutPrefix(raw, "Bearer ")
			if !ok || tok == "" {
				return response.Error(response.ErrUnauthorized.WithMessage("missing bearer credential"))
			}
			id, err := verifier.Verify(tok)
			if err != nil {
				return response.Error(response.ErrUnauthorized.WithMessage("invalid credential"))
			}
			ctx.identity = id
			return next(ctx)
		}
	}
}

// requireFaculty rejects non-faculty callers.
func requireFaculty() handler.Middleware[*Context] {
	return func(next handler.HandlerFunc[*Context]) handler.HandlerFunc[*Context] {
		return func(ctx *Context) handler.Response {
			if !ctx.identity.IsFaculty() {
				return response.Error(response.ErrForbidden.WithMessage("faculty credential required"))
			}
			return next(ctx)
		}
	}
}

// requireStudent rejects non-student callers.
func requireStudent() handler.Middleware[*Context] {
	return func(next handler.HandlerFunc[*Context]) handler.HandlerFunc[*Context] {
		return func(ctx *Context) handler.Response {
			if !ctx.identity.IsStudent() {
				return response.Error(response.ErrForbidden.WithMessage("student credential required"))
			}
			return next(ctx)
		}
	}
}
