package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hushroom/hushroom/internal/v1/archiver"
	"github.com/hushroom/hushroom/internal/v1/auth"
	"github.com/hushroom/hushroom/internal/v1/blob"
	"github.com/hushroom/hushroom/internal/v1/broker"
	"github.com/hushroom/hushroom/internal/v1/config"
	"github.com/hushroom/hushroom/internal/v1/crypto"
	"github.com/hushroom/hushroom/internal/v1/health"
	"github.com/hushroom/hushroom/internal/v1/httpapi"
	"github.com/hushroom/hushroom/internal/v1/lifecycle"
	"github.com/hushroom/hushroom/internal/v1/logging"
	"github.com/hushroom/hushroom/internal/v1/ratelimit"
	"github.com/hushroom/hushroom/internal/v1/registry"
	"github.com/hushroom/hushroom/internal/v1/store/postgres"
	"github.com/hushroom/hushroom/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	development := cfg.DevelopmentMode || cfg.GoEnv == "development"
	if development {
		slog.Info("Running in DEVELOPMENT MODE")
	}
	if err := logging.Initialize(development); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Tracing (Optional) ---
	if cfg.OtelCollector != "" {
		tp, err := tracing.InitTracer(ctx, "hushroom", cfg.OtelCollector)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					slog.Error("Failed to shut down tracer provider", "error", err)
				}
			}()
			slog.Info("✅ Tracing initialized", "collector", cfg.OtelCollector)
		}
	}

	// --- Postgres ---
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("✅ Postgres connected")

	// --- Object Storage ---
	blobs, err := blob.New(ctx, blob.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Buckets:   []string{cfg.AttachmentBucket, cfg.ArchiveBucket},
	})
	if err != nil {
		slog.Error("Failed to connect to object storage", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Object storage connected", "endpoint", cfg.MinioEndpoint)

	// --- Redis (Optional) ---
	// Device sessions and rate limits degrade to in-memory stores without it.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			redisClient = nil
		} else {
			slog.Info("✅ Redis connected", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Crypto ---
	keeper, err := crypto.NewKeeper(cfg.MasterKeyB64)
	if err != nil {
		slog.Error("Failed to load master key", "error", err)
		os.Exit(1)
	}

	// --- Wiring ---
	tokens := auth.NewTokens(cfg.JWTSecret)
	sessions := auth.NewSessions(redisClient, cfg.SessionTTL)
	reg := registry.New()
	manager := lifecycle.NewManager(db, blobs, keeper, tokens, reg, lifecycle.Buckets{
		Attachments: cfg.AttachmentBucket,
		Archives:    cfg.ArchiveBucket,
	}, nil)

	allowedOrigins := splitOrigins(cfg.AllowedOrigins)
	b := broker.New(manager, tokens, reg, allowedOrigins)

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to build rate limiter", "error", err)
		os.Exit(1)
	}

	healthHandler := health.NewHandler(db, blobs, redisClient)

	srv := httpapi.NewServer(manager, b, tokens, sessions, limiter, healthHandler, allowedOrigins, cfg.SessionTTL)

	// --- Archiver ---
	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweeper := archiver.New(manager, cfg.SweepInterval, nil)
	go sweeper.Run(sweepCtx)

	// --- Start the server ---
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}

	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}

// splitOrigins parses the comma-separated ALLOWED_ORIGINS value.
func splitOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
