// Package clientip extracts the real client IP address from HTTP requests,
// checking proxy headers in priority order before falling back to the
// connection's remote address.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Headers checked in order of trustworthiness.
var headerPriority = []string{
	"CF-Connecting-IP",
	"DO-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
}

// GetIP returns the client IP for the request. It never panics; when no
// valid IP can be extracted it returns the raw RemoteAddr.
func GetIP(r *http.Request) string {
	for _, h := range headerPriority {
		raw := r.Header.Get(h)
		if raw == "" {
			continue
		}
		// X-Forwarded-For may hold "client, proxy1, proxy2"; the
		// leftmost entry is the originating client.
		candidate := raw
		if idx := strings.Index(raw, ","); idx != -1 {
			candidate = raw[:idx]
		}
		if ip := normalize(candidate); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := normalize(host); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func normalize(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}
