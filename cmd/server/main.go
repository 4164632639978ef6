// RiskWatch - Direct Messaging Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/api"
	"github.com/arjunmenon888/riskwatch-app/internal/config"
	"github.com/arjunmenon888/riskwatch-app/internal/hub"
	"github.com/arjunmenon888/riskwatch-app/internal/identity"
	"github.com/arjunmenon888/riskwatch-app/internal/middleware"
	"github.com/arjunmenon888/riskwatch-app/internal/retention"
	"github.com/arjunmenon888/riskwatch-app/internal/shared"
	"github.com/arjunmenon888/riskwatch-app/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, shared.RetryPolicy{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	tokens := identity.NewJWTIssuer([]byte(cfg.JWTSecret), cfg.TokenTTL)
	registry := hub.NewRegistry(logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, tokens, cfg, logger)
	healthHandler := api.NewHealthHandler(repo)
	authHandler := api.NewAuthHandler(baseHandler)
	roomHandler := api.NewRoomHandler(baseHandler)
	attachmentHandler := api.NewAttachmentHandler(baseHandler)
	wsHandler := hub.NewHandler(repo, tokens, registry, cfg.Hub, cfg.CORSOrigins, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	authHandler.RegisterPublicRoutes(r)

	// The live channel authenticates from its path token.
	wsHandler.RegisterRoutes(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(tokens, repo))
		authHandler.RegisterRoutes(r)
		roomHandler.RegisterRoutes(r)
		attachmentHandler.RegisterRoutes(r)
	})

	// Create server.
	// Live connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start retention worker.
	retention.NewWorker(repo, cfg.Attachments.Retention, cfg.Attachments.SweepInterval, logger).Start(ctx)

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

	// Hijacked websocket connections are not tracked by Shutdown.
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
