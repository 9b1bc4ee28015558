// EgoLab web frontend server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/egolab/egolab-web/internal/access"
	"github.com/egolab/egolab-web/internal/analytics"
	"github.com/egolab/egolab-web/internal/api"
	"github.com/egolab/egolab-web/internal/chatapi"
	"github.com/egolab/egolab-web/internal/chatws"
	"github.com/egolab/egolab-web/internal/config"
	"github.com/egolab/egolab-web/internal/followup"
	"github.com/egolab/egolab-web/internal/identity"
	"github.com/egolab/egolab-web/internal/middleware"
	"github.com/egolab/egolab-web/internal/proxy"
	"github.com/egolab/egolab-web/internal/store"
	"github.com/egolab/egolab-web/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "backend", cfg.BackendURL, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	var recorder analytics.Recorder = analytics.Nop{}
	if cfg.Analytics.Enabled {
		eventLog, err := analytics.OpenEventLog(cfg.Analytics.Path, cfg.Analytics.QueueSize, logger)
		if err != nil {
			slog.Error("Failed to open analytics event log", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := eventLog.Close(); closeErr != nil {
				slog.Warn("Failed to close analytics event log", "error", closeErr)
			}
		}()
		recorder = analytics.WithCharacterNames(eventLog, repo)
		slog.Info("Analytics enabled", "path", cfg.Analytics.Path)
	}

	client := chatapi.NewClient(cfg.BackendURL, &http.Client{Timeout: cfg.HTTPTimeout}, logger)

	endpoint, err := chatapi.ParseFollowupEndpoint(cfg.Followup.Endpoint)
	if err != nil {
		slog.Error("Invalid followup endpoint", "error", err)
		os.Exit(1)
	}
	followups := chatapi.NewFollowupSource(client, endpoint)
	slog.Info("Backend client ready", "base_url", client.BaseURL(), "followup_endpoint", followups.Endpoint())

	gates := func(owner string) *access.Gate {
		return access.NewGate(access.Options{
			Owner:     owner,
			Verifier:  client,
			Store:     repo,
			Analytics: recorder,
			Logger:    logger,
		})
	}

	backendProxy, err := proxy.New(cfg.BackendURL, logger)
	if err != nil {
		slog.Error("Failed to initialize backend proxy", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	sm := chatws.NewSessionManager()
	baseHandler := api.NewHandler(repo, client, gates, logger)
	healthHandler := api.NewHealthHandler(repo, client)
	wsHandler := chatws.NewHandler(chatws.Options{
		Backend:    client,
		Characters: client,
		Store:      repo,
		Gates:      gates,
		Followups:  followups,
		Poll: followup.Config{
			MaxAttempts: cfg.Followup.MaxAttempts,
			Timeout:     cfg.Followup.Timeout,
			BaseDelay:   cfg.Followup.BaseDelay,
			MaxDelay:    cfg.Followup.MaxDelay,
		},
		Analytics:      recorder,
		HistoryWindow:  cfg.History.Window,
		GreetingWindow: cfg.History.GreetingWindow,
		Sessions:       sm,
		AllowedOrigin:  cfg.FrontendURL,
		IsDev:          cfg.IsDevelopment(),
		Logger:         logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/api/*", backendProxy)
	r.Handle("/admin/*", backendProxy)

	// Device-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		baseHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartRetentionWorker(ctx, repo, cfg.SessionRetention, store.RetentionInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	sm.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
