/**
 * @description
 * Entry point for the scheme-service HTTP API. It wires the lifecycle service to
 * Postgres, the payment gateway, the rate oracle, Redis and RabbitMQ, then serves
 * the chi router until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: To load .env files for local development.
 * - internal/bootstrap: Logger, pool, Redis and publisher construction.
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

	"github.com/goldvest/scheme-service/internal/api"
	"github.com/goldvest/scheme-service/internal/app"
	"github.com/goldvest/scheme-service/internal/bootstrap"
	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/internal/jobs"
	"github.com/goldvest/scheme-service/internal/store"
	"github.com/goldvest/scheme-service/pkg/paymentgateway"
	"github.com/goldvest/scheme-service/pkg/rateoracle"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	dbpool, err := bootstrap.OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	publisher := bootstrap.NewPublisher(cfg, logger)
	defer publisher.Close()

	redisClient := bootstrap.ConnectRedis(ctx, cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	repository := store.NewPostgresRepository(dbpool)
	oracle := rateoracle.NewClient(cfg.RateOracleBaseURL, cfg.RateOracleAPIKey)
	gateway := paymentgateway.NewClient(
		cfg.PaymentGatewayBaseURL,
		cfg.PaymentGatewayKeyID,
		cfg.PaymentGatewayKeySecret,
		cfg.PaymentGatewayVerifyCapture,
	)

	service := app.NewService(repository, oracle, gateway, publisher, app.ServiceConfig{
		Rules:         cfg.Rules,
		EventExchange: cfg.EventExchange,
		RateMaxAge:    cfg.RateOracleMaxAge(),
	}, logger)

	// Operators can trigger the accrual jobs through the internal routes; the
	// scheduler-service runs the same jobs on cron.
	var runLock jobs.RunLock
	if redisClient != nil {
		service.SetAttemptLimiter(app.NewRedisAttemptLimiter(redisClient, cfg.RedisKeyPrefix, cfg.ContributeRateLimitPerMinute, time.Minute))
		runLock = jobs.NewRedisRunLock(redisClient, cfg.RedisKeyPrefix)
	}
	runner := jobs.NewJobs(repository, runLock, publisher, nil, cfg.Rules, cfg.EventExchange, logger)

	handler := api.NewHandler(service, runner, logger)
	router := api.NewRouter(handler, api.ClerkAuthMiddleware(api.ClerkAuthConfig{
		JWKSURL:  cfg.ClerkJWKSURL,
		Audience: cfg.ClerkAudience,
		Issuer:   cfg.ClerkIssuer,
	}), cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
