package ratelimiter

import "errors"

var (
	// ErrInvalidConfig reports unusable bucket parameters or a missing
	// store.
	ErrInvalidConfig = errors.New("ratelimiter: invalid configuration")

	// ErrInvalidTokenCount reports a non-positive token request.
	ErrInvalidTokenCount = errors.New("ratelimiter: invalid token count")

	// ErrContextCancelled reports a consumption attempt on a dead context.
	ErrContextCancelled = errors.New("ratelimiter: context cancelled")
)
