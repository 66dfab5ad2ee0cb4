package jwt

import "errors"

var (
	ErrInvalidToken            = errors.New("invalid token")
	ErrExpiredToken            = errors.New("token has expired")
	ErrInvalidSignature        = errors.New("invalid token signature")
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
	ErrMissingSigningKey       = errors.New("missing signing key")
	ErrInvalidSigningKey       = errors.New("invalid signing key")
	ErrInvalidClaims           = errors.New("invalid claims")
	ErrMissingClaims           = errors.New("missing claims")
)
