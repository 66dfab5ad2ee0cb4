package middleware_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/router"
	"github.com/rollcall-app/rollcall/middleware"
)

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	r := router.New[*router.Context]()
	r.Use(middleware.BodyLimitWithSize[*router.Context](16))

	var readErr error
	r.Post("/test", func(ctx *router.Context) handler.Response {
		_, readErr = io.ReadAll(ctx.Request().Body)
		return okHandler(ctx)
	})

	t.Run("under limit passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("small"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, readErr)
	})

	t.Run("declared oversize rejected up front", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(strings.Repeat("x", 64)))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), "request_entity_too_large")
	})

	t.Run("undeclared oversize caught on read", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(strings.Repeat("x", 64)))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Error(t, readErr)
	})
}
