package response

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rollcall-app/rollcall/core/handler"
)

type wsConfig struct {
	upgrader       *websocket.Upgrader
	responseHeader http.Header
	onConnect      func(context.Context, *websocket.Conn) error
	onDisconnect   func(context.Context, *websocket.Conn)
	onError        func(context.Context, error)
}

// WebSocketOption customizes the upgrade behavior.
type WebSocketOption func(*wsConfig)

// WithWSReadBuffer sets the read buffer size in bytes.
func WithWSReadBuffer(size int) WebSocketOption {
	return func(c *wsConfig) { c.upgrader.ReadBufferSize = size }
}

// WithWSWriteBuffer sets the write buffer size in bytes.
func WithWSWriteBuffer(size int) WebSocketOption {
	return func(c *wsConfig) { c.upgrader.WriteBufferSize = size }
}

// WithWSHandshakeTimeout bounds the upgrade handshake.
func WithWSHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(c *wsConfig) { c.upgrader.HandshakeTimeout = timeout }
}

// WithWSOriginCheck installs a custom Origin header check.
func WithWSOriginCheck(fn func(r *http.Request) bool) WebSocketOption {
	return func(c *wsConfig) { c.upgrader.CheckOrigin = fn }
}

// WithWSOnConnect runs after a successful upgrade, before the message loop.
// Returning an error closes the connection.
func WithWSOnConnect(fn func(context.Context, *websocket.Conn) error) WebSocketOption {
	return func(c *wsConfig) { c.onConnect = fn }
}

// WithWSOnDisconnect runs after the connection closes.
func WithWSOnDisconnect(fn func(context.Context, *websocket.Conn)) WebSocketOption {
	return func(c *wsConfig) { c.onDisconnect = fn }
}

// WithWSErrorHandler observes upgrade and message-loop errors.
func WithWSErrorHandler(fn func(context.Context, error)) WebSocketOption {
	return func(c *wsConfig) { c.onError = fn }
}

// WebSocket upgrades the request and hands the connection to messageHandler.
// The handler owns the connection for its lifetime; when it returns, the
// connection is closed. Upgrade failures are reported through the error
// handler, not as HTTP errors, because the upgrader has already replied.
func WebSocket(messageHandler func(context.Context, *websocket.Conn) error, opts ...WebSocketOption) handler.Response {
	cfg := &wsConfig{
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(w http.ResponseWriter, r *http.Request) error {
		conn, err := cfg.upgrader.Upgrade(w, r, cfg.responseHeader)
		if err != nil {
			if cfg.onError != nil {
				cfg.onError(r.Context(), err)
			}
			return nil
		}
		defer func() {
			_ = conn.Close()
			if cfg.onDisconnect != nil {
				cfg.onDisconnect(r.Context(), conn)
			}
		}()

		if cfg.onConnect != nil {
			if err := cfg.onConnect(r.Context(), conn); err != nil {
				if cfg.onError != nil {
					cfg.onError(r.Context(), err)
				}
				return nil
			}
		}

		if err := messageHandler(r.Context(), conn); err != nil {
			if cfg.onError != nil {
				cfg.onError(r.Context(), err)
			}
		}
		return nil
	}
}
