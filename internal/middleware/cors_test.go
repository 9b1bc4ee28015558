package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name            string
		allowed         []string
		origin          string
		method          string
		wantStatus      int
		wantOrigin      string
		wantCredentials string
	}{
		{"wildcard echoes origin", []string{"*"}, "http://a.test", http.MethodGet, http.StatusNoContent, "http://a.test", ""},
		{"explicit origin allows credentials", []string{"http://a.test"}, "http://a.test", http.MethodGet, http.StatusNoContent, "http://a.test", "true"},
		{"unknown origin gets no headers", []string{"http://a.test"}, "http://b.test", http.MethodGet, http.StatusNoContent, "", ""},
		{"preflight short-circuits", []string{"*"}, "http://a.test", http.MethodOptions, http.StatusNoContent, "http://a.test", ""},
		{"trailing slash in config", []string{"http://a.test/"}, "http://a.test", http.MethodGet, http.StatusNoContent, "http://a.test", "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/app/characters", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Expected Allow-Origin %q, got %q", tt.wantOrigin, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCredentials {
				t.Errorf("Expected Allow-Credentials %q, got %q", tt.wantCredentials, got)
			}
		})
	}
}
