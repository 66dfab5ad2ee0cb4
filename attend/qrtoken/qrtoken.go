// Package qrtoken mints and verifies the short-lived tokens carried in the
// session QR code. A token is a compact signed envelope with the session id,
// issue instant, and kind; it is valid for seven seconds (five advertised to
// the faculty screen plus two of grace) and may be scanned by any number of
// students within that window.
package qrtoken

import (
	"errors"
	"time"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/core/cache"
	"github.com/rollcall-app/rollcall/pkg/token"
)

// Kind discriminates single-session tokens from group tokens.
type Kind string

const (
	KindSingle Kind = "single"
	KindGroup  Kind = "group"
)

const (
	// TTL is the full validity window of a minted token.
	TTL = 7 * time.Second

	// AdvertisedTTL is the refresh interval shown to the faculty screen.
	// The difference against TTL absorbs render and camera latency.
	AdvertisedTTL = 5 * time.Second

	// cacheSize bounds the process-local token cache. Rotation retires
	// tokens every five seconds, so even hundreds of concurrent sessions
	// stay far below this.
	cacheSize = 4096
)

// Claims is the envelope persisted inside a token. Nothing else may be
// carried in the QR payload.
type Claims struct {
	Kind     Kind   `json:"k"`
	SID      string `json:"sid"`
	IssuedAt int64  `json:"iat"` // millisecond epoch
}

// Expiry returns the instant after which the token no longer verifies.
func (c Claims) Expiry() time.Time {
	return time.UnixMilli(c.IssuedAt).Add(TTL)
}

type cacheEntry struct {
	claims Claims
	expiry time.Time
}

// Minter issues and verifies tokens with a process-wide secret. Verification
// hits a process-local cache first; tokens minted by another worker verify
// through the signature path.
type Minter struct {
	secret []byte
	tokens *cache.LRUCache[string, cacheEntry]
	now    func() time.Time
}

// Option configures a Minter.
type Option func(*Minter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Minter) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Minter. The secret must be non-empty; it is shared with
// every worker so tokens verify regardless of which worker minted them.
func New(secret string, opts ...Option) (*Minter, error) {
	if secret == "" {
		return nil, attend.ErrInvalidInput.WithMessagef("token signing secret is empty")
	}
	m := &Minter{
		secret: []byte(secret),
		tokens: cache.NewLRUCache[string, cacheEntry](cacheSize),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Mint issues a token for the given session or group id.
func (m *Minter) Mint(sid string, kind Kind) (string, time.Time, error) {
	claims := Claims{
		Kind:     kind,
		SID:      sid,
		IssuedAt: m.now().UnixMilli(),
	}
	tok, err := token.GenerateToken(claims, string(m.secret))
	if err != nil {
		return "", time.Time{}, attend.ErrInternal.WithMessagef("mint token: %v", err)
	}
	expiry := claims.Expiry()
	m.tokens.Put(tok, cacheEntry{claims: claims, expiry: expiry})
	return tok, expiry, nil
}

// Verify checks a presented token and returns its claims. The kind must
// match want; a structurally valid token of the other kind fails so single
// tokens cannot be replayed against group endpoints or vice versa.
func (m *Minter) Verify(tok string, want Kind) (Claims, error) {
	now := m.now()

	if entry, ok := m.tokens.Get(tok); ok {
		if now.After(entry.expiry) {
			m.tokens.Remove(tok)
			return Claims{}, attend.ErrTokenExpired
		}
		if entry.claims.Kind != want {
			return Claims{}, attend.ErrTokenWrongKind
		}
		return entry.claims, nil
	}

	claims, err := token.ParseToken[Claims](tok, string(m.secret))
	switch {
	case errors.Is(err, token.ErrSignatureInvalid):
		return Claims{}, attend.ErrTokenBadSignature
	case err != nil:
		return Claims{}, attend.ErrTokenNotFound
	}

	if now.After(claims.Expiry()) {
		return Claims{}, attend.ErrTokenExpired
	}
	if claims.Kind != want {
		return Claims{}, attend.ErrTokenWrongKind
	}

	m.tokens.Put(tok, cacheEntry{claims: claims, expiry: claims.Expiry()})
	return claims, nil
}

// InvalidateBySession drops every cached token for the given session or
// group id. Called when a session leaves the active state. Tokens minted by
// other workers still carry a valid signature, but the store no longer holds
// them and the session is no longer scannable, so the signature path is
// harmless.
func (m *Minter) InvalidateBySession(sid string) {
	for _, tok := range m.tokens.Keys() {
		if entry, ok := m.tokens.Get(tok); ok && entry.claims.SID == sid {
			m.tokens.Remove(tok)
		}
	}
}

// Sweep purges expired cache entries. Run periodically from the master
// maintenance loop.
func (m *Minter) Sweep() int {
	now := m.now()
	removed := 0
	for _, tok := range m.tokens.Keys() {
		if entry, ok := m.tokens.Get(tok); ok && now.After(entry.expiry) {
			m.tokens.Remove(tok)
			removed++
		}
	}
	return removed
}

// CachedTokens reports the size of the token cache.
func (m *Minter) CachedTokens() int {
	return m.tokens.Len()
}
