/**
 * @description
 * This is the main entry point for the scheduler-service.
 * This service is a long-running process that executes the accrual jobs on cron
 * (monthly gold plant yield, daily saving plan extension) and exposes Prometheus
 * metrics for them on METRICS_PORT.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goldvest/scheme-service/internal/bootstrap"
	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/internal/jobs"
	"github.com/goldvest/scheme-service/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.RequireDatabase(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbpool, err := bootstrap.OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	publisher := bootstrap.NewPublisher(cfg, logger)
	defer publisher.Close()

	var runLock jobs.RunLock
	if redisClient := bootstrap.ConnectRedis(ctx, cfg.RedisURL, logger); redisClient != nil {
		defer redisClient.Close()
		runLock = jobs.NewRedisRunLock(redisClient, cfg.RedisKeyPrefix)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := jobs.NewMetrics(registry)

	repository := store.NewPostgresRepository(dbpool)
	runner := jobs.NewJobs(repository, runLock, publisher, metrics, cfg.Rules, cfg.EventExchange, logger)
	scheduler := jobs.NewScheduler(runner, logger, jobs.Schedules{
		GoldPlantYield:      cfg.YieldJobSchedule,
		SavingPlanExtension: cfg.ExtensionJobSchedule,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Scheduler service is healthy"))
	})
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	// Start the cron scheduler in the background
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started")

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for running jobs to finish

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
	logger.Info("scheduler stopped gracefully")
}
