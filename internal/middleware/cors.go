// Package middleware provides HTTP middleware for the EgoLab web server.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Content-Type, X-Egolab-Session-ID, X-Request-ID"
	corsMaxAge  = 10 * time.Minute
)

// CORS returns middleware that handles CORS headers. "*" allows any origin
// but never with credentials; listed origins also get credentials, which the
// device cookie needs.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := false
	explicit := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
			continue
		}
		if o != "" {
			explicit[o] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")

			if origin != "" {
				_, listed := explicit[origin]
				if listed || wildcard {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
				}
				if listed {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Max-Age", strconv.Itoa(int(corsMaxAge.Seconds())))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
