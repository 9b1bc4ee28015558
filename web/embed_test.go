package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func TestSPAHandler_FallsBackToIndex(t *testing.T) {
	h := SPAHandler()

	for _, path := range []string{"/", "/chat/ada", "/characters"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `<div id="root">`) {
			t.Errorf("%s: expected index.html, got %q", path, rec.Body.String())
		}
		if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
			t.Errorf("%s: expected no-cache, got %q", path, got)
		}
	}
}

func TestSPAHandler_ServesAssets(t *testing.T) {
	h := newSPAHandler(fstest.MapFS{
		"index.html":         {Data: []byte("<html></html>")},
		"assets/app-1a2b.js": {Data: []byte("console.log(1)")},
	})

	req := httptest.NewRequest(http.MethodGet, "/assets/app-1a2b.js", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "console.log(1)" {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "immutable") {
		t.Errorf("Expected immutable caching, got %q", got)
	}
}

func TestSPAHandler_MissingIndex(t *testing.T) {
	h := newSPAHandler(fstest.MapFS{})

	req := httptest.NewRequest(http.MethodGet, "/chat/ada", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Error loading application") {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}
}
