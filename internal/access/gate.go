// Package access gates password-protected characters behind stored access
// tokens.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/egolab/egolab-web/internal/analytics"
	"github.com/egolab/egolab-web/internal/chatapi"
	"github.com/egolab/egolab-web/internal/domain"
)

// ErrInvalidPassword is returned when the backend rejects a password.
var ErrInvalidPassword = errors.New("invalid password")

// Verifier checks a character password against the backend.
type Verifier interface {
	VerifyCharacterPassword(ctx context.Context, configID, password string) (*chatapi.PasswordVerification, error)
}

// TokenStore persists access tokens.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, owner, characterID, token string, expiresAt *time.Time) error
	GetAccessToken(ctx context.Context, owner, characterID string) (*domain.CharacterAccess, error)
	ClearAccessToken(ctx context.Context, owner, characterID string) error
}

// Status is the gate's view of one character.
type Status struct {
	CharacterID      string     `json:"character_id"`
	PasswordRequired bool       `json:"password_required"`
	HasToken         bool       `json:"has_token"`
	Locked           bool       `json:"locked"`
	Protected        bool       `json:"protected"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// Options configures a Gate.
type Options struct {
	Owner     string
	Verifier  Verifier
	Store     TokenStore
	Analytics analytics.Recorder
	Now       func() time.Time
	Logger    *slog.Logger
}

// Gate decides whether a character is unlocked and runs the password
// challenge. A stored, unexpired token unlocks a character even when its
// metadata no longer reports a password.
type Gate struct {
	owner     string
	verifier  Verifier
	store     TokenStore
	analytics analytics.Recorder
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex
	// passwords holds passwords that verified without issuing a token.
	// They live only in memory.
	passwords map[string]string
}

// NewGate creates a gate.
func NewGate(opts Options) *Gate {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Analytics == nil {
		opts.Analytics = analytics.Nop{}
	}
	return &Gate{
		owner:     opts.Owner,
		verifier:  opts.Verifier,
		store:     opts.Store,
		analytics: opts.Analytics,
		now:       opts.Now,
		logger:    opts.Logger,
		passwords: make(map[string]string),
	}
}

// Status reports whether characterID is locked. passwordRequired comes from
// the character metadata. Expired tokens are removed.
func (g *Gate) Status(ctx context.Context, characterID string, passwordRequired bool) (Status, error) {
	st := Status{CharacterID: characterID, PasswordRequired: passwordRequired}

	access, err := g.loadToken(ctx, characterID)
	if err != nil {
		return st, err
	}
	if access != nil {
		st.HasToken = true
		st.ExpiresAt = access.ExpiresAt
	} else if g.rememberedPassword(characterID) != "" {
		st.HasToken = true
	}

	st.Protected = passwordRequired || st.HasToken
	st.Locked = passwordRequired && !st.HasToken
	return st, nil
}

// SubmitPassword verifies password and stores the returned token. On
// rejection the gate stays locked and ErrInvalidPassword is returned.
func (g *Gate) SubmitPassword(ctx context.Context, characterID, password string) (Status, error) {
	password = strings.TrimSpace(password)
	if err := validation.Validate(password, validation.Required.Error("password is required")); err != nil {
		return Status{CharacterID: characterID, PasswordRequired: true, Protected: true, Locked: true}, err
	}

	log := g.logger.With("character_id", characterID)
	locked := Status{CharacterID: characterID, PasswordRequired: true, Protected: true, Locked: true}

	result, err := g.verifier.VerifyCharacterPassword(ctx, characterID, password)
	if err != nil {
		status := chatapi.StatusCode(err)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			g.analytics.Record(analytics.EventPasswordRejected, analytics.Props{"character_id": characterID})
			return locked, fmt.Errorf("%w: %s", ErrInvalidPassword, describe(err))
		}
		log.Warn("Password verification failed", "error", err)
		return locked, fmt.Errorf("verify password: %w", err)
	}
	if !result.Success {
		g.analytics.Record(analytics.EventPasswordRejected, analytics.Props{"character_id": characterID})
		return locked, ErrInvalidPassword
	}

	st := Status{CharacterID: characterID, PasswordRequired: true, HasToken: true, Protected: true}
	if result.AccessToken != "" {
		expiresAt := result.Expiry(g.now())
		if err := g.store.SaveAccessToken(ctx, g.owner, characterID, result.AccessToken, expiresAt); err != nil {
			return locked, fmt.Errorf("save access token: %w", err)
		}
		st.ExpiresAt = expiresAt
		g.forgetPassword(characterID)
	} else {
		g.mu.Lock()
		g.passwords[characterID] = password
		g.mu.Unlock()
	}

	log.Info("Character unlocked", "token_issued", result.AccessToken != "")
	g.analytics.Record(analytics.EventPasswordVerified, analytics.Props{
		"character_id": characterID,
		"token_issued": result.AccessToken != "",
	})
	return st, nil
}

// Auth returns the credentials to attach to backend calls for characterID:
// the stored token if valid, else a remembered password, else nothing.
func (g *Gate) Auth(ctx context.Context, characterID string) chatapi.Auth {
	access, err := g.loadToken(ctx, characterID)
	if err != nil {
		g.logger.Warn("Failed to load access token", "character_id", characterID, "error", err)
	}
	if access != nil {
		return chatapi.Auth{AccessToken: access.Token}
	}
	return chatapi.Auth{Password: g.rememberedPassword(characterID)}
}

// Invalidate discards credentials the backend rejected.
func (g *Gate) Invalidate(ctx context.Context, characterID string) error {
	g.forgetPassword(characterID)
	if err := g.store.ClearAccessToken(ctx, g.owner, characterID); err != nil {
		return fmt.Errorf("clear access token: %w", err)
	}
	return nil
}

// Forget discards credentials at the user's request.
func (g *Gate) Forget(ctx context.Context, characterID string) error {
	if err := g.Invalidate(ctx, characterID); err != nil {
		return err
	}
	g.analytics.Record(analytics.EventAccessForgotten, analytics.Props{"character_id": characterID})
	return nil
}

func (g *Gate) loadToken(ctx context.Context, characterID string) (*domain.CharacterAccess, error) {
	access, err := g.store.GetAccessToken(ctx, g.owner, characterID)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}
	if access == nil || access.Token == "" {
		return nil, nil
	}
	if access.Expired(g.now()) {
		g.logger.Info("Removing expired access token", "character_id", characterID)
		if err := g.store.ClearAccessToken(ctx, g.owner, characterID); err != nil {
			g.logger.Warn("Failed to remove expired access token", "character_id", characterID, "error", err)
		}
		return nil, nil
	}
	return access, nil
}

func (g *Gate) rememberedPassword(characterID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.passwords[characterID]
}

func (g *Gate) forgetPassword(characterID string) {
	g.mu.Lock()
	delete(g.passwords, characterID)
	g.mu.Unlock()
}

func describe(err error) string {
	var apiErr *chatapi.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
