/**
 * @description
 * schemectl is the operator CLI for the scheme-service. It runs an accrual job once
 * for an explicit instant (restarting a failed or missed cron run), checks the rate
 * oracle, and applies the database schema.
 *
 * @dependencies
 * - github.com/spf13/cobra: Command tree and flags.
 */
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/goldvest/scheme-service/internal/app"
	"github.com/goldvest/scheme-service/internal/bootstrap"
	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/internal/jobs"
	"github.com/goldvest/scheme-service/internal/store"
	"github.com/goldvest/scheme-service/pkg/rateoracle"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "schemectl",
		Short:         "Operator tooling for the gold scheme service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runJobCmd())
	rootCmd.AddCommand(rateCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func runJobCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "run-job yield|extension",
		Short: "Run an accrual job once",
		Long: `Run one accrual job immediately against the configured database.

Both jobs are idempotent for their period: re-running yield for a month that was
already credited, or extension for a day that was already processed, changes nothing.

Examples:
  schemectl run-job yield --at 2026-10-01T01:00:00+05:30
  schemectl run-job extension`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"yield", "extension"},
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := parseAt(at)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			logger := bootstrap.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)

			ctx := cmd.Context()
			dbpool, err := bootstrap.OpenDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer dbpool.Close()

			publisher := bootstrap.NewPublisher(cfg, logger)
			defer publisher.Close()

			var runLock jobs.RunLock
			if redisClient := bootstrap.ConnectRedis(ctx, cfg.RedisURL, logger); redisClient != nil {
				defer redisClient.Close()
				runLock = jobs.NewRedisRunLock(redisClient, cfg.RedisKeyPrefix)
			}

			runner := jobs.NewJobs(store.NewPostgresRepository(dbpool), runLock, publisher, nil, cfg.Rules, cfg.EventExchange, logger)

			var summary jobs.Summary
			switch args[0] {
			case "yield":
				summary, err = runner.RunGoldPlantYield(ctx, now)
			case "extension":
				summary, err = runner.RunSavingPlanExtension(ctx, now)
			}
			if err != nil {
				return fmt.Errorf("%s job failed: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "instant to run for (RFC3339); defaults to now")
	return cmd
}

func rateCmd() *cobra.Command {
	var metal string

	cmd := &cobra.Command{
		Use:   "rate",
		Short: "Fetch the current rate from the rate oracle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			oracle := rateoracle.NewClient(cfg.RateOracleBaseURL, cfg.RateOracleAPIKey)

			// The service applies the same staleness policy contributions use.
			service := app.NewService(nil, oracle, nil, nil, app.ServiceConfig{
				Rules:      cfg.Rules,
				RateMaxAge: cfg.RateOracleMaxAge(),
			}, bootstrap.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel))

			rate, err := service.CurrentRate(cmd.Context(), metal)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rate)
		},
	}

	cmd.Flags().StringVar(&metal, "metal", app.MetalGold, "metal to quote")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the scheme tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			dbpool, err := bootstrap.OpenDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer dbpool.Close()

			if err := store.Migrate(cmd.Context(), dbpool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func loadConfig(requireDatabase bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if requireDatabase {
		if err := cfg.RequireDatabase(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now(), nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at must be RFC3339, e.g. 2026-10-01T01:00:00Z: %w", err)
	}
	return at, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
