package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/response"
	"github.com/rollcall-app/rollcall/pkg/ratelimiter"
)

// RateLimitConfig configures the rate limiting middleware.
type RateLimitConfig struct {
	// Limiter is the bucket to consume from. Required.
	Limiter ratelimiter.RateLimiter
	// KeyExtractor picks the bucket key per request. Defaults to the
	// client IP resolved by ClientIP, falling back to RemoteAddr.
	KeyExtractor func(ctx handler.Context) string
	// ErrorHandler renders the rejection. Defaults to 429 with a
	// retry_after detail.
	ErrorHandler func(ctx handler.Context, result *ratelimiter.Result) handler.Response
	// SetHeaders adds X-RateLimit-* headers to every limited response.
	SetHeaders bool
}

// RateLimit enforces a token bucket per key. Panics if no limiter is
// provided, since a nil limiter would silently admit everything.
func RateLimit[C handler.Context](cfg RateLimitConfig) handler.Middleware[C] {
	if cfg.Limiter == nil {
		panic("ratelimit middleware: limiter is required")
	}
	if cfg.KeyExtractor == nil {
		cfg.KeyExtractor = func(ctx handler.Context) string {
			if ip, ok := GetClientIP(ctx); ok {
				return ip
			}
			return ctx.Request().RemoteAddr
		}
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(_ handler.Context, result *ratelimiter.Result) handler.Response {
			err := response.ErrTooManyRequests
			if result != nil && result.RetryAfter() > 0 {
				err = err.WithDetails(map[string]any{
					"retry_after": fmt.Sprintf("%.0f", result.RetryAfter().Seconds()),
				})
			}
			return response.Error(err)
		}
	}

	return func(next handler.HandlerFunc[C]) handler.HandlerFunc[C] {
		return func(ctx C) handler.Response {
			result, err := cfg.Limiter.Allow(ctx.Request().Context(), cfg.KeyExtractor(ctx))
			if err != nil {
				return response.Error(response.ErrInternalServerError.WithError(err))
			}

			var resp handler.Response
			if result.Allowed() {
				resp = next(ctx)
			} else {
				resp = cfg.ErrorHandler(ctx, result)
			}
			if cfg.SetHeaders {
				return withRateLimitHeaders(resp, result)
			}
			return resp
		}
	}
}

// withRateLimitHeaders stamps the standard X-RateLimit-* trio, plus
// Retry-After when the request was rejected.
func withRateLimitHeaders(resp handler.Response, result *ratelimiter.Result) handler.Response {
	return func(w http.ResponseWriter, r *http.Request) error {
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, result.Remaining)))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		if !result.Allowed() {
			if retry := result.RetryAfter(); retry > 0 {
				h.Set("Retry-After", strconv.Itoa(int(retry.Seconds()+1)))
			}
		}
		return resp(w, r)
	}
}
