package domain

import (
	"time"
)

// ChatSession is the persisted conversation for one character.
type ChatSession struct {
	CharacterID string
	SessionID   string
	Messages    []Message
	LastUpdated time.Time
}

// IsEmpty reports whether there is nothing worth persisting.
func (s *ChatSession) IsEmpty() bool {
	return s.SessionID == "" && len(s.Messages) == 0
}

// CharacterAccess is a stored bearer credential for a password-gated character.
type CharacterAccess struct {
	CharacterID string
	Token       string
	StoredAt    time.Time
	ExpiresAt   *time.Time
}

// Expired reports whether the token is past its expiry at now.
// Tokens without an expiry never expire client-side.
func (a *CharacterAccess) Expired(now time.Time) bool {
	if a.ExpiresAt == nil {
		return false
	}
	return !now.Before(*a.ExpiresAt)
}

// Character is the subset of character metadata the frontend needs.
type Character struct {
	ID               string `json:"config_id"`
	Name             string `json:"name,omitempty"`
	Description      string `json:"description,omitempty"`
	AvatarURL        string `json:"avatar_url,omitempty"`
	DisplayOrder     int    `json:"display_order,omitempty"`
	Hidden           bool   `json:"hidden,omitempty"`
	PasswordRequired bool   `json:"password_required,omitempty"`
	PasswordHint     string `json:"password_hint,omitempty"`
}
