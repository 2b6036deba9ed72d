// Package main provides the API server entry point for the payment scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/payment-scheduler/internal/api"
	"github.com/payment-scheduler/internal/chain"
	"github.com/payment-scheduler/internal/config"
	"github.com/payment-scheduler/internal/logging"
	"github.com/payment-scheduler/internal/schedule"
	"github.com/payment-scheduler/internal/service"
	"github.com/payment-scheduler/internal/storage"
)

func main() {
	fmt.Println("Payment Scheduler API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
		"store":  cfg.Store.Backend,
	}).Info("Structured logging initialized")

	health := make(map[string]api.HealthCheck)

	var (
		store  service.ScheduleStore
		ledger service.ExecutionLedger
	)

	switch cfg.Store.Backend {
	case config.StoreMemory:
		logger.Warn("Using in-memory store; schedules are lost on restart")
		store = storage.NewMemoryScheduleStore()
		ledger = storage.NewMemoryExecutionLedger()
	default:
		postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Postgres")
		}
		defer postgres.Close()

		store = storage.NewScheduleRepository(postgres)
		ledger = storage.NewExecutionRepository(postgres)
		health["postgres"] = postgres.Ping
		logger.Info("Postgres connection established")
	}

	// Optional ClickHouse archive of execution records
	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer func() { _ = clickhouse.Close() }()

		ledger = storage.NewArchivingLedger(ledger, storage.NewExecutionArchive(clickhouse))
		health["clickhouse"] = clickhouse.Ping
		logger.Info("Execution archive enabled")
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithConflictRetries(cfg.Lifecycle.ConflictRetries),
	}

	// Optional on-chain receipt verification
	if cfg.Chain.RPCURL != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), cfg.Chain.RequestTimeout)
		verifier, err := chain.Dial(dialCtx, cfg.Chain.RPCURL, chain.VerifierConfig{
			RequestTimeout:   cfg.Chain.RequestTimeout,
			BreakerThreshold: cfg.Chain.BreakerThreshold,
			BreakerTimeout:   cfg.Chain.BreakerTimeout,
		})
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to chain RPC")
		}
		opts = append(opts, service.WithVerifier(verifier))
		logger.Info("Receipt verification enabled")
	} else {
		logger.Warn("CHAIN_RPC_URL not set; completions are recorded without receipt verification")
	}

	schedules := service.NewScheduleService(store, ledger, schedule.PolicyFromConfig(cfg.Lifecycle), opts...)

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ExecutorToken:   cfg.Auth.ExecutorToken,
		AdminToken:      cfg.Auth.AdminToken,
		RateLimitRPS:    cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst:  cfg.RateLimit.Burst,
	}
	if serverConfig.ExecutorToken == "" {
		logger.Warn("EXECUTOR_API_TOKEN not set; every /api request will be rejected")
	}

	server := api.NewServer(serverConfig, schedules, logger, health)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
