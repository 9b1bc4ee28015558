// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/egolab/egolab-web/internal/domain"
)

// LocalOwner scopes records written by the single-user terminal client.
const LocalOwner = "local"

// Repository persists chat sessions, character access tokens and the
// character-name cache. Records are scoped by owner (device) and keyed by
// character id within an owner.
type Repository interface {
	// LoadChatSession returns the stored session, or nil if none exists.
	LoadChatSession(ctx context.Context, owner, characterID string) (*domain.ChatSession, error)

	// SaveChatSession replaces the stored session for a character.
	SaveChatSession(ctx context.Context, owner, characterID, sessionID string, messages []domain.Message) error

	// ClearChatSession removes the stored session for a character.
	ClearChatSession(ctx context.Context, owner, characterID string) error

	// ListChatSessions returns all stored sessions for an owner keyed by character id.
	ListChatSessions(ctx context.Context, owner string) (map[string]*domain.ChatSession, error)

	// SaveAccessToken stores a character access token. A nil expiresAt never expires.
	SaveAccessToken(ctx context.Context, owner, characterID, token string, expiresAt *time.Time) error

	// GetAccessToken returns the stored token record, or nil if none exists.
	// Expiry is not checked here.
	GetAccessToken(ctx context.Context, owner, characterID string) (*domain.CharacterAccess, error)

	// ClearAccessToken removes a stored token.
	ClearAccessToken(ctx context.Context, owner, characterID string) error

	// CharacterName returns the cached display name, or "" if unknown.
	CharacterName(ctx context.Context, characterID string) (string, error)

	// SetCharacterNames caches several names at once. Empty ids or names
	// are ignored.
	SetCharacterNames(ctx context.Context, names map[string]string) error

	// ClearCharacterName removes one cached name.
	ClearCharacterName(ctx context.Context, characterID string) error

	// CleanupStaleSessions removes sessions not updated within olderThan.
	CleanupStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
