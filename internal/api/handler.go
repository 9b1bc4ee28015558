// Package api provides the locally served HTTP endpoints of the web frontend.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/egolab/egolab-web/internal/access"
	"github.com/egolab/egolab-web/internal/domain"
	"github.com/egolab/egolab-web/internal/store"
)

// CharacterSource lists characters from the backend.
type CharacterSource interface {
	GetCharacters(ctx context.Context) ([]domain.Character, error)
}

// GateFactory builds an access gate scoped to one device.
type GateFactory func(owner string) *access.Gate

// Handler provides common handler utilities.
type Handler struct {
	repo       store.Repository
	characters CharacterSource
	gates      GateFactory
	logger     *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, characters CharacterSource, gates GateFactory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:       repo,
		characters: characters,
		gates:      gates,
		logger:     logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
