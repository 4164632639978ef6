// Package middleware provides HTTP middleware for the messaging API.
package middleware

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/samber/lo"
)

// CORS returns middleware that handles CORS headers. Each allowed origin is
// either "*", an exact origin such as "https://app.example.com", or a host
// pattern such as "*.example.com" matched the way the live channel matches
// websocket origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := lo.Contains(allowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")

			explicit := matchOrigin(allowedOrigins, origin)
			if !explicit && !wildcard {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Length")
			// Credentials only for explicitly listed origins; a wildcard echo would allow CSRF.
			if explicit {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(patterns []string, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return lo.ContainsBy(patterns, func(p string) bool {
		if p == "*" {
			return false
		}
		if strings.Contains(p, "://") {
			return strings.EqualFold(strings.TrimRight(p, "/"), origin)
		}
		ok, err := path.Match(strings.ToLower(p), strings.ToLower(u.Host))
		return err == nil && ok
	})
}
