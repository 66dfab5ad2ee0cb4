package middleware

import (
	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/pkg/clientip"
)

type clientIPContextKey struct{}

// ClientIP resolves the real client address behind the frontend proxy and
// stores it in the request context. The rate limiter falls back to it when
// a request carries no authenticated identity.
func ClientIP[C handler.Context]() handler.Middleware[C] {
	return func(next handler.HandlerFunc[C]) handler.HandlerFunc[C] {
		return func(ctx C) handler.Response {
			ctx.SetValue(clientIPContextKey{}, clientip.GetIP(ctx.Request()))
			return next(ctx)
		}
	}
}

// GetClientIP returns the resolved client address, if ClientIP ran.
func GetClientIP(ctx handler.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPContextKey{}).(string)
	return ip, ok
}
