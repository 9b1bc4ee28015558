package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/egolab/egolab-web/internal/chatapi"
	"github.com/egolab/egolab-web/internal/store"
)

// BackendChecker reports whether the chat backend is reachable.
type BackendChecker interface {
	CheckHealth(ctx context.Context) (*chatapi.HealthResponse, error)
}

// HealthHandler answers /health locally; it is never proxied.
type HealthHandler struct {
	repo           store.Repository
	backend        BackendChecker
	timeout        time.Duration
	backendTimeout time.Duration
}

// NewHealthHandler creates a new health handler. backend may be nil.
func NewHealthHandler(repo store.Repository, backend BackendChecker) *HealthHandler {
	return &HealthHandler{
		repo:           repo,
		backend:        backend,
		timeout:        5 * time.Second,
		backendTimeout: 2 * time.Second,
	}
}

// Health returns the health status of the frontend and its session store.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"server": "ok"}
	status := map[string]interface{}{
		"status":  "ok",
		"service": "frontend",
		"checks":  checks,
	}
	statusCode := http.StatusOK

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	// Backend reachability is reported but never changes the status code.
	if h.backend != nil {
		bctx, bcancel := context.WithTimeout(r.Context(), h.backendTimeout)
		defer bcancel()
		if _, err := h.backend.CheckHealth(bctx); err != nil {
			slog.Warn("Backend health check failed", "error", err)
			checks["backend"] = "unreachable"
		} else {
			checks["backend"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
