package realtime

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/core/auth"
	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/response"
)

// Endpoint builds the websocket upgrade handler. The bearer credential is
// taken from the Authorization header or, because browser websocket clients
// cannot set headers, from the "token" query parameter. Unauthenticated
// upgrades are rejected before any room membership exists.
func Endpoint[C handler.Context](hub *Hub, coord *coordinator.Coordinator, verifier *auth.Verifier, allowOrigin func(*http.Request) bool) handler.HandlerFunc[C] {
	d := newDispatcher(coord, hub.log)

	return func(ctx C) handler.Response {
		id, err := verifier.Verify(bearerToken(ctx.Request()))
		if err != nil {
			return response.Error(response.ErrUnauthorized.WithMessage("invalid or missing credential"))
		}

		return response.WebSocket(func(ctx context.Context, conn *websocket.Conn) error {
			c := newClient(hub, conn, id)
			hub.log.Info("realtime client connected",
				"user_id", id.ID, "role", id.Role, "rooms", len(c.roomSet()))

			go c.writePump()
			c.readPump(ctx, d)
			return nil
		},
			response.WithWSOriginCheck(allowOrigin),
			response.WithWSOnDisconnect(func(context.Context, *websocket.Conn) {
				hub.log.Info("realtime client disconnected", "user_id", id.ID)
			}),
		)
	}
}

// bearerToken extracts the credential from the request.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}
