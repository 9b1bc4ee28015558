package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/egolab/egolab-web/internal/domain"
	"github.com/egolab/egolab-web/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to prevent SQLITE_BUSY
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas apply to every pooled connection.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		owner TEXT NOT NULL,
		character_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		messages_json TEXT NOT NULL,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (owner, character_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(last_updated);

	CREATE TABLE IF NOT EXISTS character_access (
		owner TEXT NOT NULL,
		character_id TEXT NOT NULL,
		token TEXT NOT NULL,
		stored_at INTEGER NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (owner, character_id)
	);

	CREATE TABLE IF NOT EXISTS character_names (
		character_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// LoadChatSession retrieves the stored session for a character.
func (s *SQLiteStore) LoadChatSession(ctx context.Context, owner, characterID string) (*domain.ChatSession, error) {
	query := `
		SELECT session_id, messages_json, last_updated
		FROM chat_sessions WHERE owner = ? AND character_id = ?`

	var sessionID, messagesJSON string
	var lastUpdated int64
	err := s.db.QueryRowContext(ctx, query, owner, characterID).Scan(&sessionID, &messagesJSON, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}

	msgs, err := decodeMessages(messagesJSON, s.now())
	if err != nil {
		return nil, err
	}

	return &domain.ChatSession{
		CharacterID: characterID,
		SessionID:   sessionID,
		Messages:    msgs,
		LastUpdated: time.UnixMilli(lastUpdated),
	}, nil
}

// SaveChatSession creates or replaces the stored session for a character.
func (s *SQLiteStore) SaveChatSession(ctx context.Context, owner, characterID, sessionID string, messages []domain.Message) error {
	now := s.now()
	messagesJSON, err := encodeMessages(messages, now)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
		INSERT INTO chat_sessions (owner, character_id, session_id, messages_json, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner, character_id) DO UPDATE SET
			session_id = excluded.session_id,
			messages_json = excluded.messages_json,
			last_updated = excluded.last_updated`

	if _, err := s.db.ExecContext(ctx, query, owner, characterID, sessionID, messagesJSON, now.UnixMilli()); err != nil {
		return fmt.Errorf("save chat session: %w", err)
	}
	return nil
}

// ClearChatSession removes the stored session for a character.
func (s *SQLiteStore) ClearChatSession(ctx context.Context, owner, characterID string) error {
	return s.deleteWithRetry(ctx, `DELETE FROM chat_sessions WHERE owner = ? AND character_id = ?`, owner, characterID)
}

// ListChatSessions returns every stored session for an owner.
func (s *SQLiteStore) ListChatSessions(ctx context.Context, owner string) (map[string]*domain.ChatSession, error) {
	query := `
		SELECT character_id, session_id, messages_json, last_updated
		FROM chat_sessions WHERE owner = ?`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("query chat sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat sessions rows", "error", closeErr)
		}
	}()

	now := s.now()
	sessions := make(map[string]*domain.ChatSession)
	for rows.Next() {
		var characterID, sessionID, messagesJSON string
		var lastUpdated int64
		if err := rows.Scan(&characterID, &sessionID, &messagesJSON, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan chat session row: %w", err)
		}
		msgs, err := decodeMessages(messagesJSON, now)
		if err != nil {
			slog.Warn("Skipping unreadable chat session", "character_id", characterID, "error", err)
			continue
		}
		sessions[characterID] = &domain.ChatSession{
			CharacterID: characterID,
			SessionID:   sessionID,
			Messages:    msgs,
			LastUpdated: time.UnixMilli(lastUpdated),
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat sessions: %w", err)
	}
	return sessions, nil
}

// SaveAccessToken stores a character access token.
func (s *SQLiteStore) SaveAccessToken(ctx context.Context, owner, characterID, token string, expiresAt *time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
		INSERT INTO character_access (owner, character_id, token, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner, character_id) DO UPDATE SET
			token = excluded.token,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at`

	var expires interface{}
	if expiresAt != nil {
		expires = expiresAt.UnixMilli()
	}

	if _, err := s.db.ExecContext(ctx, query, owner, characterID, token, s.now().UnixMilli(), expires); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	return nil
}

// GetAccessToken retrieves a stored token record.
func (s *SQLiteStore) GetAccessToken(ctx context.Context, owner, characterID string) (*domain.CharacterAccess, error) {
	query := `
		SELECT token, stored_at, expires_at
		FROM character_access WHERE owner = ? AND character_id = ?`

	var token string
	var storedAt int64
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, owner, characterID).Scan(&token, &storedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan access token: %w", err)
	}

	access := &domain.CharacterAccess{
		CharacterID: characterID,
		Token:       token,
		StoredAt:    time.UnixMilli(storedAt),
	}
	if expiresAt.Valid {
		ts := time.UnixMilli(expiresAt.Int64)
		access.ExpiresAt = &ts
	}
	return access, nil
}

// ClearAccessToken removes a stored token.
func (s *SQLiteStore) ClearAccessToken(ctx context.Context, owner, characterID string) error {
	return s.deleteWithRetry(ctx, `DELETE FROM character_access WHERE owner = ? AND character_id = ?`, owner, characterID)
}

// CharacterName returns a cached display name.
func (s *SQLiteStore) CharacterName(ctx context.Context, characterID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM character_names WHERE character_id = ?`, characterID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan character name: %w", err)
	}
	return name, nil
}

// SetCharacterNames caches several names in one transaction.
func (s *SQLiteStore) SetCharacterNames(ctx context.Context, names map[string]string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("failed to roll back character names", "error", rbErr)
		}
	}()

	query := `
		INSERT INTO character_names (character_id, name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(character_id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at`

	now := s.now().UnixMilli()
	for id, name := range names {
		if id == "" || name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, id, name, now); err != nil {
			return fmt.Errorf("upsert character name: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit character names: %w", err)
	}
	return nil
}

// ClearCharacterName removes one cached name.
func (s *SQLiteStore) ClearCharacterName(ctx context.Context, characterID string) error {
	return s.deleteWithRetry(ctx, `DELETE FROM character_names WHERE character_id = ?`, characterID)
}

// CleanupStaleSessions removes sessions not updated within olderThan.
func (s *SQLiteStore) CleanupStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	threshold := s.now().Add(-olderThan).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE last_updated < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale sessions: %w", err)
	}
	return result.RowsAffected()
}

// deleteWithRetry runs a delete statement with exponential backoff to
// handle SQLITE_BUSY errors: 100ms, 200ms, 400ms.
func (s *SQLiteStore) deleteWithRetry(ctx context.Context, query string, args ...interface{}) error {
	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func() error {
		return s.execLocked(ctx, query, args...)
	})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) execLocked(ctx context.Context, query string, args ...interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
