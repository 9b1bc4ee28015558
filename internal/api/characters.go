package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/egolab/egolab-web/internal/identity"
)

// characterView is a character annotated with this device's access state.
type characterView struct {
	ID               string `json:"config_id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	AvatarURL        string `json:"avatar_url,omitempty"`
	PasswordRequired bool   `json:"password_required"`
	PasswordHint     string `json:"password_hint,omitempty"`
	Locked           bool   `json:"locked"`
	HasToken         bool   `json:"has_token"`
}

type sessionView struct {
	CharacterID  string `json:"character_id"`
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
	LastUpdated  int64  `json:"last_updated"`
}

// RegisterRoutes registers the device-scoped endpoints under /app.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/app", func(r chi.Router) {
		r.Get("/characters", h.ListCharacters)
		r.Get("/sessions", h.ListSessions)
		r.Delete("/sessions/{characterID}", h.DeleteSession)
		r.Delete("/access/{characterID}", h.ForgetAccess)
	})
}

// ListCharacters returns the visible characters with this device's lock
// state and refreshes the character-name cache.
func (h *Handler) ListCharacters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := identity.DeviceIDFromContext(ctx)
	if owner == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	characters, err := h.characters.GetCharacters(ctx)
	if err != nil {
		h.logger.Error("Failed to list characters", "error", err)
		Error(w, http.StatusBadGateway, "failed to load characters")
		return
	}

	names := make(map[string]string, len(characters))
	gate := h.gates(owner)
	views := make([]characterView, 0, len(characters))
	for _, c := range characters {
		names[c.ID] = c.Name
		if c.Hidden {
			continue
		}
		st, err := gate.Status(ctx, c.ID, c.PasswordRequired)
		if err != nil {
			h.logger.Warn("Failed to read access state", "character_id", c.ID, "error", err)
		}
		views = append(views, characterView{
			ID:               c.ID,
			Name:             c.Name,
			Description:      c.Description,
			AvatarURL:        c.AvatarURL,
			PasswordRequired: st.Protected,
			PasswordHint:     c.PasswordHint,
			Locked:           st.Locked,
			HasToken:         st.HasToken,
		})
	}

	if err := h.repo.SetCharacterNames(ctx, names); err != nil {
		h.logger.Warn("Failed to cache character names", "error", err)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"characters": views,
		"total":      len(views),
	})
}

// ListSessions returns the stored sessions for this device.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	owner := identity.DeviceIDFromContext(r.Context())
	if owner == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessions, err := h.repo.ListChatSessions(r.Context(), owner)
	if err != nil {
		h.logger.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for id, s := range sessions {
		views = append(views, sessionView{
			CharacterID:  id,
			SessionID:    s.SessionID,
			MessageCount: len(s.Messages),
			LastUpdated:  s.LastUpdated.UnixMilli(),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// DeleteSession removes this device's stored session for a character.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	owner := identity.DeviceIDFromContext(r.Context())
	characterID := chi.URLParam(r, "characterID")
	if owner == "" || characterID == "" {
		Error(w, http.StatusBadRequest, "character id is required")
		return
	}

	if err := h.repo.ClearChatSession(r.Context(), owner, characterID); err != nil {
		h.logger.Error("Failed to delete session", "character_id", characterID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForgetAccess removes this device's access token for a character.
func (h *Handler) ForgetAccess(w http.ResponseWriter, r *http.Request) {
	owner := identity.DeviceIDFromContext(r.Context())
	characterID := chi.URLParam(r, "characterID")
	if owner == "" || characterID == "" {
		Error(w, http.StatusBadRequest, "character id is required")
		return
	}

	if err := h.gates(owner).Forget(r.Context(), characterID); err != nil {
		h.logger.Error("Failed to forget access", "character_id", characterID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to forget access")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
