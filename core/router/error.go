package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/response"
)

var (
	ErrNoContextFactory = errors.New("no context factory provided")
	ErrNilResponse      = errors.New("nil response")
)

// statusCode lets errors supply their own HTTP status code.
type statusCode interface {
	StatusCode() int
}

// defaultErrorHandler renders errors as JSON. HTTPError values are rendered
// as-is; anything else becomes a generic 500 so internals never leak.
func defaultErrorHandler[C handler.Context](ctx C, err error) {
	w := ctx.ResponseWriter()
	if ww, ok := w.(*responseWriter); ok && ww.Written() {
		return
	}

	var httpErr response.HTTPError
	if !errors.As(err, &httpErr) {
		httpErr = response.ErrInternalServerError
		if sc, ok := err.(statusCode); ok {
			httpErr.Status = sc.StatusCode()
			httpErr.Message = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpErr.Status)
	_ = json.NewEncoder(w).Encode(httpErr)
}

// PanicError exposes recovered panics to custom error handlers.
type PanicError interface {
	error
	Value() any
	Stack() []byte
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
func (e *panicError) Value() any    { return e.value }
func (e *panicError) Stack() []byte { return e.stack }

// Unwrap allows errors.Is/As to reach the panic value when it is an error.
func (e *panicError) Unwrap() error {
	if err, ok := e.value.(error); ok {
		return err
	}
	return nil
}
