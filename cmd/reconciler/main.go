package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/db"
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
	logger.Info("Starting Arbor Reconciler")

	if !cfg.Reconciler.Enabled {
		logger.Warn("Reconciler is disabled, exiting")
		return
	}

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

	reconciler := store.NewReconciler(db.NewRepository(database.DB), cfg.Reconciler.BatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run once at startup, then on the configured schedule
	runOnce := func() {
		if _, err := reconciler.Run(ctx); err != nil {
			logger.Error("Reconciliation run failed", zap.Error(err))
		}
	}
	runOnce()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Reconciler.Schedule, runOnce); err != nil {
		logger.Fatal("Invalid reconciler schedule",
			zap.String("schedule", cfg.Reconciler.Schedule),
			zap.Error(err))
	}
	scheduler.Start()

	logger.Info("Reconciler scheduled", zap.String("schedule", cfg.Reconciler.Schedule))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down reconciler...")
	cancel()
	<-scheduler.Stop().Done()
	logger.Info("Reconciler exited")
}
