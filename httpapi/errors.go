package httpapi

import (
	"encoding/json"
	"errors"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/core/response"
)

// errorHandler renders domain errors with their own code and status so
// clients can branch on stable identifiers. Anything unrecognized becomes
// a generic 500 so internals never leak.
func errorHandler(ctx *Context, err error) {
	w := ctx.ResponseWriter()
	if ww, ok := w.(interface{ Written() bool }); ok && ww.Written() {
		return
	}

	var httpErr response.HTTPError
	var derr *attend.Error
	switch {
	case errors.As(err, &derr):
		httpErr = response.HTTPError{Status: derr.Status, Code: derr.Code, Message: derr.Message}
	case errors.As(err, &httpErr):
	default:
		httpErr = response.ErrInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpErr.Status)
	_ = json.NewEncoder(w).Encode(httpErr)
}
