// Nimbus - Agentic Chat Server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/nimbuschat/nimbus/internal/agent"
	"github.com/nimbuschat/nimbus/internal/api"
	"github.com/nimbuschat/nimbus/internal/auth"
	"github.com/nimbuschat/nimbus/internal/chat"
	"github.com/nimbuschat/nimbus/internal/config"
	"github.com/nimbuschat/nimbus/internal/middleware"
	"github.com/nimbuschat/nimbus/internal/store"
	"github.com/nimbuschat/nimbus/internal/stream"
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
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Auth stack.
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	registry := auth.NewPermissionRegistry()
	authService := auth.NewService(repo, tokens)
	authHandler := auth.NewHandler(authService)

	// Agent stack.
	llm, err := agent.NewOpenAIClient(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	tracker := agent.NewTracker(repo, false)
	checkpoints := agent.NewCheckpointStore()

	agents := agent.NewManager()
	agents.Register(agent.NewWeatherAgent(cfg.LLM, llm, tracker, checkpoints))
	slog.Info("Agents registered", "agents", agents.Names(), "mock_weather", cfg.LLM.UseMockTool)

	// Streaming and chat.
	streamService := stream.NewService(cfg.Stream)
	streamHandler := stream.NewHandler(streamService, cfg.Stream, registry)

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	chatService := chat.NewService(repo, agents, streamService, checkpoints, agent.WeatherAgentName)
	chatHandler := chat.NewHandler(chatService, limiter)

	thinkingHandler := agent.NewThinkingHandler(tracker, repo, registry)
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{cfg.FrontendURL}
	if cfg.FrontendURL == "" {
		corsOrigins = []string{"*"}
	}
	r.Use(middleware.CORS(corsOrigins))

	// Public routes.
	healthHandler.RegisterRoutes(r)
	authHandler.RegisterPublicRoutes(r)

	// Protected routes.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokens, repo))
		authHandler.RegisterProtectedRoutes(r)
		chatHandler.RegisterRoutes(r)
		streamHandler.RegisterRoutes(r)
		thinkingHandler.RegisterRoutes(r)
	})

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamService.StartHeartbeatSweep(ctx)
	streamService.StartCleanup(ctx)
	authService.StartSessionCleanup(ctx, time.Hour)
	limiter.StartEviction(ctx)
	slog.Info("Background workers started",
		"heartbeat_interval", cfg.Stream.HeartbeatInterval,
		"connection_timeout", cfg.Stream.ConnectionTimeout,
	)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
