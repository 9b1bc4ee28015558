// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	AnonCookieName        = "egolab_anon_id"
	SessionHeaderName     = "X-Egolab-Session-ID"
	DefaultSessionIDValue = "default"
	anonCookieMaxAge      = 365 * 24 * time.Hour
)

type contextKey int

const (
	deviceIDKey contextKey = iota
	sessionIDKey
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// DeviceIDFromContext extracts the anonymous device ID from the request
// context. Stored chat sessions and access tokens are owned by this ID.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithDeviceID returns ctx carrying deviceID, for callers outside the
// HTTP middleware.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

func generateAnonID() string {
	id := uuid.New()
	return "anon_" + strings.ReplaceAll(id.String(), "-", "")
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		http.SetCookie(w, &http.Cookie{
			Name:     AnonCookieName,
			Value:    c.Value,
			Path:     "/",
			MaxAge:   int(anonCookieMaxAge.Seconds()),
			Expires:  time.Now().Add(anonCookieMaxAge),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   !isDev,
		})
		return c.Value
	}

	id := generateAnonID()

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects anonymous per-device identity and per-request session ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := getOrCreateAnonID(w, r, isDev)
			sessionID := sessionIDFromRequest(r)

			ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
			ctx = context.WithValue(ctx, sessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
