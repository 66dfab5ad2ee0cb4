package middleware

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/logger"
)

// Logging writes one structured line per request to slog's default logger.
func Logging[C handler.Context]() handler.Middleware[C] {
	return LoggingWithLogger[C](slog.Default())
}

// LoggingWithLogger writes one line per completed request: method, path,
// status, response size, latency, client address, and the correlation ID
// when RequestID ran earlier in the chain. Server errors log at error
// level, client errors at warn.
func LoggingWithLogger[C handler.Context](log *slog.Logger) handler.Middleware[C] {
	return func(next handler.HandlerFunc[C]) handler.HandlerFunc[C] {
		return func(ctx C) handler.Response {
			start := time.Now()
			resp := next(ctx)

			return func(w http.ResponseWriter, r *http.Request) error {
				rw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
				err := resp(rw, r)

				attrs := []any{
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", rw.status),
					slog.Int64("bytes", rw.written),
					logger.Latency(time.Since(start)),
					slog.String("remote", r.RemoteAddr),
				}
				if id, ok := GetRequestID(ctx); ok {
					attrs = append(attrs, logger.RequestID(id))
				}
				if err != nil {
					attrs = append(attrs, logger.Error(err))
				}

				switch {
				case rw.status >= http.StatusInternalServerError || err != nil:
					log.Error("request", attrs...)
				case rw.status >= http.StatusBadRequest:
					log.Warn("request", attrs...)
				default:
					log.Info("request", attrs...)
				}
				return err
			}
		}
	}
}

// loggingResponseWriter captures the status code and body size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (w *loggingResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Hijack lets WebSocket upgrades take over the underlying connection.
func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
