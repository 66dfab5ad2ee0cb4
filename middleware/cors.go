package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rollcall-app/rollcall/core/handler"
)

// CORSConfig configures cross-origin resource sharing.
type CORSConfig struct {
	// AllowOrigins is the exact-match allowlist. "*" allows any origin,
	// but is incompatible with AllowCredentials.
	AllowOrigins []string
	// AllowMethods defaults to GET, POST, PUT, PATCH, DELETE.
	AllowMethods []string
	// AllowHeaders lists request headers the browser may send.
	AllowHeaders []string
	// AllowCredentials lets the browser include cookies and the
	// Authorization header on cross-origin requests.
	AllowCredentials bool
	// MaxAge is how long, in seconds, browsers may cache the preflight
	// answer. Defaults to 300.
	MaxAge int
}

// CORS allows any origin without credentials. Development use only.
func CORS[C handler.Context]() handler.Middleware[C] {
	return CORSWithConfig[C](CORSConfig{AllowOrigins: []string{"*"}})
}

// CORSWithConfig answers preflight requests and stamps CORS headers on
// actual responses for allowed origins. Disallowed origins get no CORS
// headers at all, which makes the browser reject the response.
func CORSWithConfig[C handler.Context](cfg CORSConfig) handler.Middleware[C] {
	if len(cfg.AllowMethods) == 0 {
		cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 300
	}
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")

	allowed := func(origin string) bool {
		for _, o := range cfg.AllowOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}

	return func(next handler.HandlerFunc[C]) handler.HandlerFunc[C] {
		return func(ctx C) handler.Response {
			r := ctx.Request()
			origin := r.Header.Get("Origin")
			if origin == "" {
				return next(ctx)
			}

			stamp := func(h http.Header) {
				// Echo the origin rather than "*" when credentials are
				// allowed; the wildcard form is rejected by browsers.
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
					h.Add("Vary", "Origin")
				} else if len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*" {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				return func(w http.ResponseWriter, _ *http.Request) error {
					if allowed(origin) {
						stamp(w.Header())
						w.Header().Set("Access-Control-Allow-Methods", methods)
						if headers != "" {
							w.Header().Set("Access-Control-Allow-Headers", headers)
						}
						w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
					}
					w.WriteHeader(http.StatusNoContent)
					return nil
				}
			}

			resp := next(ctx)
			return func(w http.ResponseWriter, r *http.Request) error {
				if allowed(origin) {
					stamp(w.Header())
				}
				return resp(w, r)
			}
		}
	}
}
