package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/api"
	"github.com/arbor-social/arbor/internal/audience"
	"github.com/arbor-social/arbor/internal/cache"
	"github.com/arbor-social/arbor/internal/db"
	"github.com/arbor-social/arbor/internal/directory"
	"github.com/arbor-social/arbor/internal/dispatch"
	"github.com/arbor-social/arbor/internal/federation"
	"github.com/arbor-social/arbor/internal/feed"
	"github.com/arbor-social/arbor/internal/store"
	"github.com/arbor-social/arbor/pkg/config"
	"github.com/arbor-social/arbor/pkg/logging"
	"github.com/arbor-social/arbor/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting Arbor Server")

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	// Initialize database
	database, err := db.New(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Initialize Redis cache
	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()

	// Wire the federation core
	repo := db.NewRepository(database.DB)
	fedClient := federation.New(&cfg.Federation)

	threads := store.NewThreadStore(repo, cfg.Federation.Domain)
	feedIndex := feed.NewIndex(repo)
	threads.AddListener(feedIndex)

	actorDir := directory.New(repo, redisCache, fedClient, &cfg.Federation)
	audienceResolver := audience.NewResolver(threads, actorDir)
	dispatcher := dispatch.NewDispatcher(cfg.Federation.Domain, threads, actorDir, feedIndex, audienceResolver, fedClient)

	// Create Gin router
	if cfg.Logging.Level == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	router := api.NewRouter(threads, feedIndex, dispatcher, database, redisCache)
	router.SetupRoutes(engine)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
