package attend

import (
	"fmt"
	"net/http"
)

// Error is a coded domain error. Code is stable and machine-readable; the
// HTTP status drives the REST boundary while realtime clients receive the
// message in an `error` event.
type Error struct {
	Code      string
	Message   string
	Status    int
	Retriable bool
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// StatusCode returns the HTTP status for the error.
func (e *Error) StatusCode() int { return e.Status }

// Is matches errors by code, so copies produced by WithMessagef still
// compare equal to their sentinel under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessagef returns a copy with a formatted message, keeping the code.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	clone := *e
	clone.Message = fmt.Sprintf(format, args...)
	return &clone
}

var (
	// AuthZ
	ErrNotOwner           = &Error{Code: "FORBIDDEN", Message: "session belongs to another faculty", Status: http.StatusForbidden}
	ErrNotStudent         = &Error{Code: "FORBIDDEN", Message: "caller must be a student", Status: http.StatusForbidden}
	ErrNotFaculty         = &Error{Code: "FORBIDDEN", Message: "caller must be a faculty", Status: http.StatusForbidden}
	ErrCredentialMismatch = &Error{Code: "FORBIDDEN", Message: "payload does not match caller credential", Status: http.StatusForbidden}

	// Validation
	ErrInvalidInput = &Error{Code: "INVALID_INPUT", Message: "invalid request payload", Status: http.StatusBadRequest}
	ErrWrongSection = &Error{Code: "WRONG_SECTION", Message: "student does not belong to this session's section", Status: http.StatusBadRequest}

	// PreconditionState
	ErrBadTransition = &Error{Code: "BAD_TRANSITION", Message: "transition not allowed in current session status", Status: http.StatusBadRequest}
	ErrJoinClosed    = &Error{Code: "JOIN_CLOSED", Message: "session is not accepting joins", Status: http.StatusBadRequest}
	ErrScanClosed    = &Error{Code: "SCAN_CLOSED", Message: "attendance is not active", Status: http.StatusBadRequest}

	// NotFound
	ErrSessionNotFound = &Error{Code: "SESSION_NOT_FOUND", Message: "session not found", Status: http.StatusNotFound}
	ErrGroupNotFound   = &Error{Code: "GROUP_NOT_FOUND", Message: "group session not found", Status: http.StatusNotFound}
	ErrNoActiveSession = &Error{Code: "NO_ACTIVE_SESSION", Message: "no active session for this section", Status: http.StatusNotFound}

	// Conflict
	ErrCASConflict   = &Error{Code: "CONFLICT", Message: "session changed concurrently, retry", Status: http.StatusConflict, Retriable: true}
	ErrSiblingExists = &Error{Code: "SIBLING_EXISTS", Message: "a live session already exists for this section", Status: http.StatusConflict}

	// TokenInvalid
	ErrTokenNotFound     = &Error{Code: "TOKEN_NOT_FOUND", Message: "unknown token", Status: http.StatusGone}
	ErrTokenExpired      = &Error{Code: "TOKEN_EXPIRED", Message: "token has expired", Status: http.StatusGone}
	ErrTokenBadSignature = &Error{Code: "TOKEN_BAD_SIGNATURE", Message: "token signature is invalid", Status: http.StatusGone}
	ErrTokenWrongKind    = &Error{Code: "TOKEN_WRONG_KIND", Message: "token kind does not match session", Status: http.StatusGone}

	// DuplicateMark
	ErrAlreadyMarked = &Error{Code: "ALREADY_MARKED", Message: "attendance already marked", Status: http.StatusBadRequest}

	// SuspectedProxy
	ErrSuspectedProxy = &Error{Code: "SUSPECTED_PROXY", Message: "device fingerprint does not match registered binding", Status: http.StatusForbidden}
	ErrNotJoined      = &Error{Code: "NOT_JOINED", Message: "student did not join this session", Status: http.StatusBadRequest}

	// Transient
	ErrStoreUnavailable = &Error{Code: "STORE_UNAVAILABLE", Message: "session store timed out, retry", Status: http.StatusServiceUnavailable, Retriable: true}

	// Internal
	ErrInternal = &Error{Code: "INTERNAL", Message: "internal error", Status: http.StatusInternalServerError}
)
