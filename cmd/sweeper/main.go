// Package main provides the stuck-payment sweeper entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/payment-scheduler/internal/config"
	"github.com/payment-scheduler/internal/logging"
	"github.com/payment-scheduler/internal/schedule"
	"github.com/payment-scheduler/internal/service"
	"github.com/payment-scheduler/internal/storage"
	"github.com/payment-scheduler/internal/worker"
)

func main() {
	fmt.Println("Payment Scheduler Sweeper")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	if cfg.Store.Backend != config.StorePostgres {
		logger.Fatalf("The sweeper needs a shared store; STORE_BACKEND=%s is process-local", cfg.Store.Backend)
	}

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis for per-owner sweep locks
	redis, err := storage.NewRedisDB(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() { _ = redis.Close() }()

	logger.Info("Database connections established")

	schedules := service.NewScheduleService(
		storage.NewScheduleRepository(postgres),
		storage.NewExecutionRepository(postgres),
		schedule.PolicyFromConfig(cfg.Lifecycle),
		service.WithLogger(logger),
		service.WithConflictRetries(cfg.Lifecycle.ConflictRetries),
	)

	sweeper, err := worker.NewSweeper(&worker.SweeperConfig{
		Schedules:   schedules,
		Locker:      storage.NewSweepLocker(redis, cfg.Sweeper.LockTTL),
		Interval:    cfg.Sweeper.Interval,
		Parallelism: cfg.Sweeper.Parallelism,
		OwnerBatch:  cfg.Sweeper.OwnerBatch,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sweeper")
	}

	ctx := context.Background()
	if err := sweeper.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sweeper")
	}

	// Set up graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received, stopping sweeper...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping sweeper")
	}

	logger.Info("Sweeper exited")
}
