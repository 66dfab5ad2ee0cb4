package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/rollcall-app/rollcall/core/handler"
)

const requestIDHeader = "X-Request-ID"

type requestIDContextKey struct{}

// RequestID tags every request with an identifier for log correlation. An
// incoming X-Request-ID is passed through so IDs survive the frontend
// proxy; otherwise a fresh UUID is minted. The ID lands in the request
// context and is echoed in the response header.
func RequestID[C handler.Context]() handler.Middleware[C] {
	return func(next handler.HandlerFunc[C]) handler.HandlerFunc[C] {
		return func(ctx C) handler.Response {
			id := ctx.Request().Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			ctx.SetValue(requestIDContextKey{}, id)

			resp := next(ctx)
			return func(w http.ResponseWriter, r *http.Request) error {
				w.Header().Set(requestIDHeader, id)
				return resp(w, r)
			}
		}
	}
}

// GetRequestID returns the request's correlation ID, if one was assigned.
func GetRequestID(ctx handler.Context) (string, bool) {
	id, ok := ctx.Value(requestIDContextKey{}).(string)
	return id, ok
}
