/**
 * @description
 * This package handles configuration management for the scheme-service binaries.
 * It uses Viper to read settings from environment variables (and an optional .env
 * file), applies defaults for every product rule, and normalizes values that are
 * easy to misconfigure such as percentages and the bonus schedule.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading.
 * - github.com/shopspring/decimal: Percentages are kept as decimals.
 */
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration shared by the API, scheduler and CLI processes.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	MetricsPort    string `mapstructure:"METRICS_PORT"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventExchange  string `mapstructure:"EVENT_EXCHANGE"`
	ClerkJWKSURL   string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience  string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer    string `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	Timezone       string `mapstructure:"TIMEZONE"`

	RateOracleBaseURL       string `mapstructure:"RATE_ORACLE_BASE_URL"`
	RateOracleAPIKey        string `mapstructure:"RATE_ORACLE_API_KEY"`
	RateOracleMaxAgeSeconds int    `mapstructure:"RATE_ORACLE_MAX_AGE_SECONDS"`

	PaymentGatewayBaseURL       string `mapstructure:"PAYMENT_GATEWAY_BASE_URL"`
	PaymentGatewayKeyID         string `mapstructure:"PAYMENT_GATEWAY_KEY_ID"`
	PaymentGatewayKeySecret     string `mapstructure:"PAYMENT_GATEWAY_KEY_SECRET"`
	PaymentGatewayVerifyCapture bool   `mapstructure:"PAYMENT_GATEWAY_VERIFY_CAPTURE"`

	ContributeRateLimitPerMinute int `mapstructure:"CONTRIBUTE_RATE_LIMIT_PER_MINUTE"`

	YieldJobSchedule     string `mapstructure:"YIELD_JOB_SCHEDULE"`
	ExtensionJobSchedule string `mapstructure:"EXTENSION_JOB_SCHEDULE"`

	Rules Rules `mapstructure:"-"`
}

// Rules carries the numeric business rules of the three products.
type Rules struct {
	CashbackSellChargePercent   decimal.Decimal
	CashbackActivationGrams     decimal.Decimal
	CashbackCoinGrams           decimal.Decimal
	GoldPlantMonthlyYieldPct    decimal.Decimal
	GoldPlantLockInMonths       int
	GoldPlantEarlyRefundPercent decimal.Decimal
	SavingPlanServiceChargePct  decimal.Decimal
	SavingPlanOnTimeCutoffDay   int
	SavingPlanBonusSchedule     map[int]decimal.Decimal
	Location                    *time.Location
}

// DefaultRules returns the production rule set without touching the environment.
func DefaultRules() Rules {
	return Rules{
		CashbackSellChargePercent:   decimal.NewFromInt(4),
		CashbackActivationGrams:     decimal.NewFromInt(1),
		CashbackCoinGrams:           decimal.NewFromInt(1),
		GoldPlantMonthlyYieldPct:    decimal.NewFromInt(1),
		GoldPlantLockInMonths:       36,
		GoldPlantEarlyRefundPercent: decimal.NewFromInt(50),
		SavingPlanServiceChargePct:  decimal.NewFromInt(4),
		SavingPlanOnTimeCutoffDay:   5,
		SavingPlanBonusSchedule: map[int]decimal.Decimal{
			4:  decimal.NewFromInt(10),
			10: decimal.NewFromInt(10),
			12: decimal.NewFromInt(5),
		},
		Location: time.UTC,
	}
}

var envKeys = []string{
	"SERVER_PORT",
	"METRICS_PORT",
	"LOG_LEVEL",
	"DATABASE_URL",
	"REDIS_URL",
	"REDIS_KEY_PREFIX",
	"RABBITMQ_URL",
	"EVENT_EXCHANGE",
	"CLERK_JWKS_URL",
	"CLERK_AUDIENCE",
	"CLERK_ISSUER",
	"INTERNAL_API_KEY",
	"TIMEZONE",
	"RATE_ORACLE_BASE_URL",
	"RATE_ORACLE_API_KEY",
	"RATE_ORACLE_MAX_AGE_SECONDS",
	"PAYMENT_GATEWAY_BASE_URL",
	"PAYMENT_GATEWAY_KEY_ID",
	"PAYMENT_GATEWAY_KEY_SECRET",
	"PAYMENT_GATEWAY_VERIFY_CAPTURE",
	"CONTRIBUTE_RATE_LIMIT_PER_MINUTE",
	"YIELD_JOB_SCHEDULE",
	"EXTENSION_JOB_SCHEDULE",
	"CASHBACK_SELL_CHARGE_PERCENT",
	"CASHBACK_ACTIVATION_GRAMS",
	"CASHBACK_COIN_GRAMS",
	"GOLD_PLANT_MONTHLY_YIELD_PERCENT",
	"GOLD_PLANT_LOCK_IN_MONTHS",
	"GOLD_PLANT_EARLY_REFUND_PERCENT",
	"SAVING_PLAN_SERVICE_CHARGE_PERCENT",
	"SAVING_PLAN_ON_TIME_CUTOFF_DAY",
	"SAVING_PLAN_BONUS_SCHEDULE",
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("METRICS_PORT", "9102")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("REDIS_KEY_PREFIX", "goldscheme")
	viper.SetDefault("EVENT_EXCHANGE", "scheme_events")
	viper.SetDefault("TIMEZONE", "Asia/Kolkata")
	viper.SetDefault("RATE_ORACLE_MAX_AGE_SECONDS", 300)
	viper.SetDefault("PAYMENT_GATEWAY_VERIFY_CAPTURE", true)
	viper.SetDefault("CONTRIBUTE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("YIELD_JOB_SCHEDULE", "0 1 1 * *")      // At 01:00 on day-of-month 1.
	viper.SetDefault("EXTENSION_JOB_SCHEDULE", "30 0 * * *") // At 00:30 every day.

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "goldscheme"
	}
	if config.RateOracleMaxAgeSeconds <= 0 {
		config.RateOracleMaxAgeSeconds = 300
	}
	if config.ContributeRateLimitPerMinute < 0 {
		config.ContributeRateLimitPerMinute = 0
	}

	rules, err := loadRules(config.Timezone)
	if err != nil {
		return nil, err
	}
	config.Rules = rules

	return &config, nil
}

// RequireDatabase reports a missing DATABASE_URL as an error.
func (c *Config) RequireDatabase() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL must be configured")
	}
	return nil
}

// RateOracleMaxAge is the oldest rate snapshot a contribution may use.
func (c *Config) RateOracleMaxAge() time.Duration {
	return time.Duration(c.RateOracleMaxAgeSeconds) * time.Second
}

func loadRules(timezone string) (Rules, error) {
	rules := DefaultRules()

	rules.CashbackSellChargePercent = percentSetting("CASHBACK_SELL_CHARGE_PERCENT", rules.CashbackSellChargePercent)
	rules.CashbackActivationGrams = positiveDecimalSetting("CASHBACK_ACTIVATION_GRAMS", rules.CashbackActivationGrams)
	rules.CashbackCoinGrams = positiveDecimalSetting("CASHBACK_COIN_GRAMS", rules.CashbackCoinGrams)
	rules.GoldPlantMonthlyYieldPct = percentSetting("GOLD_PLANT_MONTHLY_YIELD_PERCENT", rules.GoldPlantMonthlyYieldPct)
	rules.GoldPlantEarlyRefundPercent = percentSetting("GOLD_PLANT_EARLY_REFUND_PERCENT", rules.GoldPlantEarlyRefundPercent)
	rules.SavingPlanServiceChargePct = percentSetting("SAVING_PLAN_SERVICE_CHARGE_PERCENT", rules.SavingPlanServiceChargePct)

	if viper.IsSet("GOLD_PLANT_LOCK_IN_MONTHS") {
		if months := viper.GetInt("GOLD_PLANT_LOCK_IN_MONTHS"); months > 0 {
			rules.GoldPlantLockInMonths = months
		} else {
			slog.Warn("invalid lock-in months; using default", "component", "config", "value", viper.GetString("GOLD_PLANT_LOCK_IN_MONTHS"))
		}
	}
	if viper.IsSet("SAVING_PLAN_ON_TIME_CUTOFF_DAY") {
		if day := viper.GetInt("SAVING_PLAN_ON_TIME_CUTOFF_DAY"); day >= 1 && day <= 28 {
			rules.SavingPlanOnTimeCutoffDay = day
		} else {
			slog.Warn("invalid on-time cutoff day; using default", "component", "config", "value", viper.GetString("SAVING_PLAN_ON_TIME_CUTOFF_DAY"))
		}
	}
	if raw := strings.TrimSpace(viper.GetString("SAVING_PLAN_BONUS_SCHEDULE")); raw != "" {
		schedule, err := ParseBonusSchedule(raw)
		if err != nil {
			return Rules{}, fmt.Errorf("invalid SAVING_PLAN_BONUS_SCHEDULE: %w", err)
		}
		rules.SavingPlanBonusSchedule = schedule
	}

	tz := strings.TrimSpace(timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("invalid timezone; defaulting to UTC", "component", "config", "timezone", tz, "error", err)
		loc = time.UTC
	}
	rules.Location = loc

	return rules, nil
}

// ParseBonusSchedule parses "period:percent" pairs such as "4:10,10:10,12:5".
func ParseBonusSchedule(raw string) (map[int]decimal.Decimal, error) {
	schedule := make(map[int]decimal.Decimal)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		periodStr, pctStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q is not period:percent", part)
		}
		period, err := strconv.Atoi(strings.TrimSpace(periodStr))
		if err != nil || period <= 0 {
			return nil, fmt.Errorf("entry %q has an invalid period", part)
		}
		pct, err := decimal.NewFromString(strings.TrimSpace(pctStr))
		if err != nil || pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("entry %q has an invalid percent", part)
		}
		if _, dup := schedule[period]; dup {
			return nil, fmt.Errorf("period %d listed twice", period)
		}
		schedule[period] = pct
	}
	return schedule, nil
}

// BonusPeriods returns the configured bonus periods in ascending order.
func (r Rules) BonusPeriods() []int {
	periods := make([]int, 0, len(r.SavingPlanBonusSchedule))
	for p := range r.SavingPlanBonusSchedule {
		periods = append(periods, p)
	}
	sort.Ints(periods)
	return periods
}

func percentSetting(key string, fallback decimal.Decimal) decimal.Decimal {
	if !viper.IsSet(key) {
		return fallback
	}
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Warn("invalid percent setting; using default", "component", "config", "key", key, "value", raw, "error", err)
		return fallback
	}
	if value.IsNegative() {
		slog.Warn("negative percent configured; coercing to zero", "component", "config", "key", key, "value", raw)
		return decimal.Zero
	}
	if value.GreaterThan(decimal.NewFromInt(100)) {
		slog.Warn("percent too high; capping at 100", "component", "config", "key", key, "value", raw)
		return decimal.NewFromInt(100)
	}
	return value
}

func positiveDecimalSetting(key string, fallback decimal.Decimal) decimal.Decimal {
	if !viper.IsSet(key) {
		return fallback
	}
	raw := strings.TrimSpace(viper.GetString(key))
	value, err := decimal.NewFromString(raw)
	if err != nil || !value.IsPositive() {
		slog.Warn("invalid positive setting; using default", "component", "config", "key", key, "value", raw)
		return fallback
	}
	return value
}
