package middleware

import (
	"net/http"

	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/response"
)

// defaultBodyLimit fits the largest legitimate payload, a scan request
// with a photo reference, with ample headroom.
const defaultBodyLimit = 1 << 20

// BodyLimit caps request bodies at 1 MB.
func BodyLimit[C handler.Context]() handler.Middleware[C] {
	return BodyLimitWithSize[C](defaultBodyLimit)
}

// BodyLimitWithSize rejects requests whose body exceeds maxSize bytes.
// Declared lengths are rejected up front with 413; chunked bodies are
// capped during read via http.MaxBytesReader, which surfaces through the
// JSON binder as a bind error.
func BodyLimitWithSize[C handler.Context](maxSize int64) handler.Middleware[C] {
	return func(next handler.HandlerFunc[C]) handler.HandlerFunc[C] {
		return func(ctx C) handler.Response {
			r := ctx.Request()
			if r.ContentLength > maxSize {
				return response.Error(response.ErrRequestEntityTooLarge)
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(ctx.ResponseWriter(), r.Body, maxSize)
			}
			return next(ctx)
		}
	}
}
