/**
 * @description
 * Process wiring shared by the scheme-service binaries: the JSON logger, the pgx
 * pool, the optional Redis client and the event publisher. Each binary still owns
 * its own lifecycle and shutdown.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: Connection pool.
 * - github.com/redis/go-redis/v9: Attempt limiter and job run lock backend.
 * - pkg/rabbitmq: Event producer with no-op fallback.
 */
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/pkg/rabbitmq"
)

// NewLogger returns a JSON logger writing to w at the level named by level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// PoolConfig parses databaseURL and applies the pool sizing used by every service.
func PoolConfig(databaseURL string) (*pgxpool.Config, error) {
	pgConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	pgConfig.MaxConns = 100
	pgConfig.MinConns = 20
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return pgConfig, nil
}

// OpenDatabase connects the pool and verifies it with a ping.
func OpenDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pgConfig, err := PoolConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return dbpool, nil
}

// ConnectRedis returns a connected client, or nil when Redis is not configured or
// not reachable. Callers treat a nil client as "feature disabled".
func ConnectRedis(ctx context.Context, redisURL string, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("redis url missing; attempt limiting and job locks disabled", "component", "bootstrap", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; attempt limiting and job locks disabled", "component", "bootstrap", "error", err)
		return nil
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; attempt limiting and job locks disabled", "component", "bootstrap", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected", "component", "bootstrap")
	return client
}

// NewPublisher connects to RabbitMQ, falling back to a logging no-op publisher.
func NewPublisher(cfg *config.Config, logger *slog.Logger) rabbitmq.Publisher {
	fallback := &rabbitmq.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("RABBITMQ_URL not set; events will only be logged", "component", "bootstrap")
		return fallback
	}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "component", "bootstrap", "error", err)
		return fallback
	}
	logger.Info("rabbitmq connected", "component", "bootstrap", "exchange", cfg.EventExchange)
	return producer
}
