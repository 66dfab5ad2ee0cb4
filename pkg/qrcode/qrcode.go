// Package qrcode renders QR codes as PNG bytes or base64 data URIs with
// medium error correction, sized for mobile camera scanning.
package qrcode

import (
	"encoding/base64"
	"errors"

	qr "github.com/skip2/go-qrcode"
)

// DefaultSize is the default image edge in pixels.
const DefaultSize = 256

var ErrEmptyContent = errors.New("qrcode: empty content")

// Generate returns PNG bytes for the content. Size below 21 pixels (one QR
// module per pixel at version 1) falls back to DefaultSize.
func Generate(content string, size int) ([]byte, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if size < 21 {
		size = DefaultSize
	}
	return qr.Encode(content, qr.Medium, size)
}

// GenerateBase64Image returns the QR code as a data URI suitable for direct
// embedding in an <img> src attribute.
func GenerateBase64Image(content string, size int) (string, error) {
	png, err := Generate(content, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
