package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/egolab/egolab-web/internal/config"
	"github.com/egolab/egolab-web/internal/store"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newBackendMux())
	t.Cleanup(srv.Close)
	return srv
}

func newBackendMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/characters", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"characters": []map[string]any{
				{"config_id": "ada", "name": "Ada"},
				{"config_id": "vault", "name": "Vault", "password_required": true},
			},
		})
	})
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": "s1"})
	})
	mux.HandleFunc("POST /api/initial-message", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ai": "Hello there", "session_id": "s1"})
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, map[string]any{"ai": "echo: " + req.Input, "session_id": "s1"})
	})
	mux.HandleFunc("POST /api/characters/vault/verify-password", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid password"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "access_token": "tok-1", "ttl_seconds": 3600})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	return &config.Config{
		BackendURL: backendURL,
		DBPath:     filepath.Join(t.TempDir(), "chat.db"),
		Followup: config.FollowupConfig{
			Endpoint:    "jobs",
			MaxAttempts: 5,
			Timeout:     15 * time.Second,
			BaseDelay:   time.Second,
			MaxDelay:    4 * time.Second,
		},
		History: config.HistoryConfig{Window: 8, GreetingWindow: 5},
	}
}

func runChat(t *testing.T, characterID, input string) string {
	t.Helper()
	srv := newBackend(t)
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := run(context.Background(), testConfig(t, srv.URL), logger, false, characterID, strings.NewReader(input), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return out.String()
}

func TestRun_GreetsAndReplies(t *testing.T) {
	out := runChat(t, "ada", "hello\n/quit\n")

	for _, want := range []string{"Ada> Hello there", "you> hello", "Ada> echo: hello"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in transcript:\n%s", want, out)
		}
	}
}

func TestRun_PromptsForPassword(t *testing.T) {
	out := runChat(t, "vault", "wrong\nsecret\nhi\n/quit\n")

	if !strings.Contains(out, "invalid password") {
		t.Errorf("Expected rejection in transcript:\n%s", out)
	}
	if !strings.Contains(out, "Vault> echo: hi") {
		t.Errorf("Expected reply after unlocking:\n%s", out)
	}
}

func TestRun_PasswordCommandRetriesGreeting(t *testing.T) {
	mux := newBackendMux()
	var failed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/initial-message" && failed.CompareAndSwap(false, true) {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream down"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := run(context.Background(), testConfig(t, srv.URL), logger, false, "ada", strings.NewReader("/password\n/quit\n"), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !failed.Load() {
		t.Fatal("Expected the first greeting to fail")
	}
	if !strings.Contains(out.String(), "Ada> Hello there") {
		t.Errorf("Expected greeting after /password:\n%s", out.String())
	}
}

func TestRun_UnknownCharacter(t *testing.T) {
	srv := newBackend(t)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := repo.SetCharacterNames(ctx, map[string]string{"nobody": "Ghost"}); err != nil {
		t.Fatalf("SetCharacterNames: %v", err)
	}
	_ = repo.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err = run(ctx, cfg, logger, false, "nobody", strings.NewReader(""), io.Discard)
	if err == nil || !strings.Contains(err.Error(), "unknown character") {
		t.Fatalf("Expected unknown character error, got %v", err)
	}

	repo, err = store.NewSQLite(cfg.DBPath)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer func() { _ = repo.Close() }()
	if name, _ := repo.CharacterName(ctx, "nobody"); name != "" {
		t.Errorf("Expected stale name cleared, got %q", name)
	}
}

func TestRun_ListCharacters(t *testing.T) {
	srv := newBackend(t)
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := run(context.Background(), testConfig(t, srv.URL), logger, true, "", strings.NewReader(""), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "vault") || !strings.Contains(out.String(), "(password)") {
		t.Errorf("Expected character listing, got:\n%s", out.String())
	}
}
