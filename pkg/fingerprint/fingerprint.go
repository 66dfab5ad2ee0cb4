// Package fingerprint derives an opaque device-binding string from HTTP
// request attributes. Student clients normally submit the fingerprint their
// identity setup registered; when a scan arrives without one, the server
// derives a fingerprint here so the proxy-detection check still runs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/rollcall-app/rollcall/pkg/clientip"
)

const (
	version = "v1:"
	// 16 bytes of SHA-256 keeps fingerprints short while leaving collision
	// odds negligible at classroom scale.
	hashLen  = 16
	totalLen = len(version) + hashLen*2
)

var (
	ErrMismatch           = errors.New("fingerprint mismatch")
	ErrInvalidFingerprint = errors.New("invalid fingerprint format")
)

type options struct {
	includeIP      bool
	includeAccept  bool
	includeHeaders bool
}

// Option adjusts which request attributes feed the fingerprint.
type Option func(*options)

// WithIP includes the client IP. IP churn on mobile networks makes this a
// high-false-positive signal; off by default.
func WithIP() Option {
	return func(o *options) { o.includeIP = true }
}

// WithoutAcceptHeaders drops Accept-* headers, which vary under content
// negotiation.
func WithoutAcceptHeaders() Option {
	return func(o *options) { o.includeAccept = false }
}

// Generate creates a device fingerprint in the form "v1:<hex>".
func Generate(r *http.Request, opts ...Option) string {
	o := options{includeAccept: true, includeHeaders: true}
	for _, opt := range opts {
		opt(&o)
	}

	components := []string{r.UserAgent()}
	if o.includeAccept {
		components = append(components,
			r.Header.Get("Accept-Language"),
			r.Header.Get("Accept-Encoding"),
			r.Header.Get("Accept"),
		)
	}
	if o.includeIP {
		components = append(components, clientip.GetIP(r))
	}
	if o.includeHeaders {
		components = append(components, headerSet(r))
	}

	filtered := components[:0]
	for _, c := range components {
		if c != "" {
			filtered = append(filtered, c)
		}
	}

	// Pipe delimiter prevents ["ab","c"] and ["a","bc"] from colliding.
	sum := sha256.Sum256([]byte(strings.Join(filtered, "|")))
	return version + hex.EncodeToString(sum[:hashLen])
}

// Validate compares the request-derived fingerprint against a stored one,
// which must use the same options. Returns nil on match, ErrMismatch
// otherwise, and ErrInvalidFingerprint for malformed stored values.
func Validate(r *http.Request, stored string, opts ...Option) error {
	if !IsWellFormed(stored) {
		return ErrInvalidFingerprint
	}
	if Generate(r, opts...) == stored {
		return nil
	}
	return ErrMismatch
}

// IsWellFormed reports whether s looks like a fingerprint this package (or a
// client following the same scheme) produced.
func IsWellFormed(s string) bool {
	return strings.HasPrefix(s, version) && len(s) == totalLen
}

// headerSet fingerprints which stable browser headers are present, not their
// values. Different clients send different header sets.
func headerSet(r *http.Request) string {
	var names []string
	for name := range r.Header {
		switch strings.ToLower(name) {
		case "user-agent", "accept", "accept-language", "accept-encoding",
			"connection", "upgrade-insecure-requests", "sec-fetch-dest",
			"sec-fetch-mode", "sec-fetch-site", "cache-control":
			names = append(names, strings.ToLower(name))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
