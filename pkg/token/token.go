// Package token provides compact, URL-safe signed tokens: a base64url JSON
// payload joined with a truncated HMAC-SHA256 signature. The format is
// `<payload>.<signature>` with roughly 15-20 characters of overhead, which
// keeps QR payloads small enough to scan reliably on low-end cameras.
//
// Signature truncation to 8 bytes trades forgery resistance for size; with
// lifetimes measured in seconds that trade is sound.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
)

const signatureLen = 8

// GenerateToken signs the JSON encoding of payload with the secret.
func GenerateToken[T any](payload T, secret string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	body := enc.EncodeToString(data)
	return body + "." + enc.EncodeToString(sign(body, secret)), nil
}

// ParseToken verifies the signature and decodes the payload.
// Returns ErrInvalidToken for malformed input and ErrSignatureInvalid when
// the signature does not match.
func ParseToken[T any](token, secret string) (T, error) {
	var out T

	body, sentSig, ok := strings.Cut(token, ".")
	if !ok || body == "" {
		return out, ErrInvalidToken
	}

	enc := base64.RawURLEncoding
	sig, err := enc.DecodeString(sentSig)
	if err != nil {
		return out, ErrInvalidToken
	}
	if !hmac.Equal(sig, sign(body, secret)) {
		return out, ErrSignatureInvalid
	}

	data, err := enc.DecodeString(body)
	if err != nil {
		return out, ErrInvalidToken
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

func sign(body, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return mac.Sum(nil)[:signatureLen]
}
