package middleware

import (
	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/pkg/fingerprint"
)

type fingerprintContextKey struct{}

// Fingerprint derives a device fingerprint from request attributes and
// stores it in the request context. Scan handlers use it as the binding
// input when the client did not submit its own fingerprint.
func Fingerprint[C handler.Context]() handler.Middleware[C] {
	return func(next handler.HandlerFunc[C]) handler.HandlerFunc[C] {
		return func(ctx C) handler.Response {
			ctx.SetValue(fingerprintContextKey{}, fingerprint.Generate(ctx.Request(), fingerprint.WithIP()))
			return next(ctx)
		}
	}
}

// GetFingerprint returns the derived device fingerprint, if Fingerprint ran.
func GetFingerprint(ctx handler.Context) (string, bool) {
	fp, ok := ctx.Value(fingerprintContextKey{}).(string)
	return fp, ok
}
