// Package middleware provides HTTP middleware for cross-cutting concerns shared
// by the attendance API: request IDs, structured request logging, CORS, client IP
// extraction, device fingerprinting, rate limiting, body size limits, and security
// headers.
//
// All middleware follows the same pattern: a generic function parameterized over
// the handler.Context type, with a configurable variant where the service needs
// one (CORSWithConfig, LoggingWithLogger, BodyLimitWithSize). Middleware that
// extracts data from the request (client IP, fingerprint, request ID) stores it
// in the request context and exposes a Get helper for handlers.
//
//	r := router.New[*router.Context]()
//	r.Use(
//		middleware.RequestID[*router.Context](),
//		middleware.LoggingWithLogger[*router.Context](log),
//		middleware.CORSWithConfig[*router.Context](middleware.CORSConfig{
//			AllowOrigins: []string{"https://app.example.com"},
//		}),
//	)
//
// Rate limiting builds on pkg/ratelimiter and emits standard X-RateLimit-*
// headers. The key extractor defaults to the client IP but can be replaced, for
// example with an authenticated user ID:
//
//	limiter, _ := ratelimiter.NewBucket(store, ratelimiter.Config{
//		Capacity:       10,
//		RefillRate:     1,
//		RefillInterval: time.Second,
//	})
//	r.Use(middleware.RateLimit[*router.Context](middleware.RateLimitConfig{
//		Limiter: limiter,
//		KeyExtractor: func(ctx handler.Context) string {
//			return ctx.Request().Header.Get("X-Device-ID")
//		},
//	}))
//
// Ordering matters: RequestID should come first so every log line carries the
// request ID, and BodyLimit should run before any handler that reads the body.
package middleware
