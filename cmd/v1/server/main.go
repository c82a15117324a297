package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sketchparty/server/internal/v1/auth"
	"github.com/sketchparty/server/internal/v1/bus"
	"github.com/sketchparty/server/internal/v1/config"
	"github.com/sketchparty/server/internal/v1/game"
	"github.com/sketchparty/server/internal/v1/health"
	"github.com/sketchparty/server/internal/v1/kv"
	"github.com/sketchparty/server/internal/v1/logging"
	"github.com/sketchparty/server/internal/v1/middleware"
	"github.com/sketchparty/server/internal/v1/ratelimit"
	"github.com/sketchparty/server/internal/v1/store"
	"github.com/sketchparty/server/internal/v1/transport"
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

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// Each process gets a unique identity; timer ownership and pub/sub echo
	// suppression both key off it.
	hostname, _ := os.Hostname()
	instanceID := hostname + "-" + uuid.NewString()

	// --- Shared store (optional) ---
	var kvStore *kv.Store
	if cfg.RedisEnabled {
		kvStore, err = kv.NewStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			kvStore = nil
		} else {
			slog.Info("✅ Redis connected", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Relational gateway ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gateway, err := store.New(ctx, cfg.DatabaseURL, cfg.MaxPlayers)
	cancel()
	if err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Postgres connected")

	// --- Engine wiring ---
	fabric := bus.NewFabric(kvStore.Client(), instanceID)
	states := game.NewStateStore(kvStore, cfg)
	engine := game.NewEngine(cfg, states, fabric, gateway, instanceID)
	validator := auth.NewValidator(cfg.JWTSecret)

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, kvStore.Client())
	if err != nil {
		slog.Error("Failed to build rate limiter", "error", err)
		os.Exit(1)
	}

	hub := transport.NewHub(engine, fabric, gateway, validator, cfg, rateLimiter)

	// --- HTTP server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))
	router.Use(middleware.CorrelationID())

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms/:code", hub.ServeRoom)
		wsGroup.GET("/lobby", hub.ServeLobby)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(kvStore, gateway)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Room server starting", "port", cfg.Port, "instance", instanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	fabric.Close()
	if kvStore != nil {
		if err := kvStore.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}
	gateway.Close()

	slog.Info("Server exiting")
}
