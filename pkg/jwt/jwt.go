// Package jwt provides an RFC 7519 compliant JSON Web Token implementation
// using HMAC-SHA256. It covers generation, parsing, and temporal claim
// validation with constant-time signature comparison.
package jwt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MinKeySize is the minimum signing key length in bytes for HMAC-SHA256.
const MinKeySize = 32

// StandardClaims holds the RFC 7519 registered claims.
type StandardClaims struct {
	ID        string `json:"jti,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	Audience  string `json:"aud,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	NotBefore int64  `json:"nbf,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Service signs and verifies tokens with a fixed HMAC-SHA256 key.
type Service struct {
	key []byte
}

// New creates a Service with the given signing key.
// The key must be at least MinKeySize bytes.
func New(key []byte) (*Service, error) {
	if len(key) == 0 {
		return nil, ErrMissingSigningKey
	}
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrInvalidSigningKey, MinKeySize)
	}
	return &Service{key: key}, nil
}

// NewFromString creates a Service from a string key.
func NewFromString(key string) (*Service, error) {
	return New([]byte(key))
}

// Generate produces a signed token for the given claims. Claims may be
// StandardClaims or any JSON-serializable struct embedding it.
func (s *Service) Generate(claims any) (string, error) {
	if claims == nil {
		return "", ErrMissingClaims
	}

	headerJSON, err := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)
	return signingInput + "." + enc.EncodeToString(s.sign(signingInput)), nil
}

// Parse verifies the token signature and temporal claims, then unmarshals
// the payload into claims. Expired tokens return ErrExpiredToken after the
// payload has been populated, so callers may still inspect the claims.
func (s *Service) Parse(token string, claims any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ErrInvalidToken
	}

	enc := base64.RawURLEncoding
	headerJSON, err := enc.DecodeString(parts[0])
	if err != nil {
		return ErrInvalidToken
	}
	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return ErrInvalidToken
	}
	if h.Alg != "HS256" {
		return ErrUnexpectedSigningMethod
	}

	signingInput := parts[0] + "." + parts[1]
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(sig, s.sign(signingInput)) {
		return ErrInvalidSignature
	}

	payload, err := enc.DecodeString(parts[1])
	if err != nil {
		return ErrInvalidToken
	}
	if err := json.Unmarshal(payload, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}

	var std StandardClaims
	if err := json.Unmarshal(payload, &std); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
	now := time.Now().Unix()
	if std.NotBefore != 0 && now < std.NotBefore {
		return ErrInvalidToken
	}
	if std.ExpiresAt != 0 && now >= std.ExpiresAt {
		return ErrExpiredToken
	}
	return nil
}

func (s *Service) sign(input string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}
