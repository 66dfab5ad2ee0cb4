package token

import "errors"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrSignatureInvalid = errors.New("invalid token signature")
)
