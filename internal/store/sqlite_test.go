package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/egolab/egolab-web/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_ConnectionPragmas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected wal journal mode, got %q", mode)
	}

	var timeout int
	if err := s.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("Expected busy_timeout 5000, got %d", timeout)
	}

	var level int
	if err := s.db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&level); err != nil {
		t.Fatalf("synchronous: %v", err)
	}
	if level != 1 {
		t.Errorf("Expected synchronous NORMAL (1), got %d", level)
	}
}

func TestSQLiteStore_ChatSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.LoadChatSession(ctx, "dev1", "char-a")
	if err != nil {
		t.Fatalf("LoadChatSession: %v", err)
	}
	if got != nil {
		t.Fatalf("Expected nil session, got %+v", got)
	}

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []domain.Message{
		{Role: domain.RoleAI, Content: "Hello there", Timestamp: ts},
		{
			Role:    domain.RoleUser,
			Content: "*waves*",
			Metadata: &domain.MessageMetadata{
				InputSource:      domain.InputPromptRoleplay,
				PromptType:       domain.PromptRoleplay,
				IsRoleplayAction: true,
			},
		},
	}
	if err := s.SaveChatSession(ctx, "dev1", "char-a", "sess-1", msgs); err != nil {
		t.Fatalf("SaveChatSession: %v", err)
	}

	got, err = s.LoadChatSession(ctx, "dev1", "char-a")
	if err != nil {
		t.Fatalf("LoadChatSession: %v", err)
	}
	if got == nil {
		t.Fatal("Expected session, got nil")
	}
	if got.SessionID != "sess-1" {
		t.Errorf("Expected session id sess-1, got %q", got.SessionID)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(got.Messages))
	}
	if !got.Messages[0].Timestamp.Equal(ts) {
		t.Errorf("Expected timestamp %v, got %v", ts, got.Messages[0].Timestamp)
	}
	if got.Messages[1].Timestamp.IsZero() {
		t.Error("Expected missing timestamp to be filled")
	}
	if got.Messages[1].Metadata == nil || !got.Messages[1].Metadata.IsRoleplayAction {
		t.Errorf("Expected roleplay metadata, got %+v", got.Messages[1].Metadata)
	}

	// Other owners do not see the session.
	other, err := s.LoadChatSession(ctx, "dev2", "char-a")
	if err != nil {
		t.Fatalf("LoadChatSession: %v", err)
	}
	if other != nil {
		t.Errorf("Expected nil for other owner, got %+v", other)
	}

	if err := s.ClearChatSession(ctx, "dev1", "char-a"); err != nil {
		t.Fatalf("ClearChatSession: %v", err)
	}
	got, _ = s.LoadChatSession(ctx, "dev1", "char-a")
	if got != nil {
		t.Errorf("Expected nil after clear, got %+v", got)
	}
}

func TestSQLiteStore_SaveReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []domain.Message{{Role: domain.RoleAI, Content: "one"}}
	second := []domain.Message{{Role: domain.RoleAI, Content: "two"}, {Role: domain.RoleUser, Content: "three"}}

	if err := s.SaveChatSession(ctx, "dev1", "c", "", first); err != nil {
		t.Fatalf("SaveChatSession: %v", err)
	}
	if err := s.SaveChatSession(ctx, "dev1", "c", "sess-9", second); err != nil {
		t.Fatalf("SaveChatSession: %v", err)
	}

	all, err := s.ListChatSessions(ctx, "dev1")
	if err != nil {
		t.Fatalf("ListChatSessions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(all))
	}
	if all["c"].SessionID != "sess-9" || len(all["c"].Messages) != 2 {
		t.Errorf("Expected replaced session, got %+v", all["c"])
	}
}

func TestSQLiteStore_AccessTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAccessToken(ctx, "dev1", "c", "tok-1", nil); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}
	got, err := s.GetAccessToken(ctx, "dev1", "c")
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if got == nil || got.Token != "tok-1" || got.ExpiresAt != nil {
		t.Fatalf("Unexpected token record %+v", got)
	}

	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := s.SaveAccessToken(ctx, "dev1", "c", "tok-2", &exp); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}
	got, _ = s.GetAccessToken(ctx, "dev1", "c")
	if got.Token != "tok-2" || got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("Expected tok-2 expiring at %v, got %+v", exp, got)
	}

	if err := s.ClearAccessToken(ctx, "dev1", "c"); err != nil {
		t.Fatalf("ClearAccessToken: %v", err)
	}
	got, _ = s.GetAccessToken(ctx, "dev1", "c")
	if got != nil {
		t.Errorf("Expected nil after clear, got %+v", got)
	}
}

func TestSQLiteStore_CharacterNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetCharacterNames(ctx, map[string]string{"a": "Alice", "b": "Bob", "": "skip"}); err != nil {
		t.Fatalf("SetCharacterNames: %v", err)
	}
	if err := s.SetCharacterNames(ctx, map[string]string{"a": "Alicia", "b": ""}); err != nil {
		t.Fatalf("SetCharacterNames: %v", err)
	}

	name, _ := s.CharacterName(ctx, "a")
	if name != "Alicia" {
		t.Errorf("Expected Alicia, got %q", name)
	}

	if err := s.ClearCharacterName(ctx, "a"); err != nil {
		t.Fatalf("ClearCharacterName: %v", err)
	}
	name, _ = s.CharacterName(ctx, "a")
	if name != "" {
		t.Errorf("Expected empty name, got %q", name)
	}
	name, _ = s.CharacterName(ctx, "b")
	if name != "Bob" {
		t.Errorf("Expected Bob to survive an empty update, got %q", name)
	}
}

func TestSQLiteStore_CleanupStaleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base.Add(-48 * time.Hour) }
	if err := s.SaveChatSession(ctx, "dev1", "old", "", nil); err != nil {
		t.Fatalf("SaveChatSession: %v", err)
	}
	s.now = func() time.Time { return base }
	if err := s.SaveChatSession(ctx, "dev1", "new", "", nil); err != nil {
		t.Fatalf("SaveChatSession: %v", err)
	}

	removed, err := s.CleanupStaleSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupStaleSessions: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	all, _ := s.ListChatSessions(ctx, "dev1")
	if _, ok := all["new"]; !ok || len(all) != 1 {
		t.Errorf("Expected only the fresh session to remain, got %v", all)
	}
}
