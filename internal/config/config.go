// Package config loads server settings from an optional .env file and the
// environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/brokerage/position-ledger/internal/model"
	"github.com/brokerage/position-ledger/internal/settlement"
)

// Config holds server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string // json or text
	LogFile   string

	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration

	RateLimitCapacity int
	RateLimitWindow   time.Duration
	RateLimitMaxKeys  int
	RateLimitBackend  string // memory or redis

	SettlementDays     int
	SettlementCalendar string // flat or business
	SaleRetryLimit     int
	CommissionRate     decimal.Decimal

	DefaultCurrency string
	WalletLimits    model.WalletLimits

	CORSOrigins []string
}

var defaults = map[string]any{
	"PORT":                   "8080",
	"LOG_LEVEL":              "info",
	"LOG_FORMAT":             "json",
	"LOG_FILE":               "",
	"DATABASE_URL":           "",
	"SQLITE_PATH":            "",
	"REDIS_URL":              "",
	"CACHE_TTL":              "30s",
	"RATE_LIMIT_CAPACITY":    100,
	"RATE_LIMIT_WINDOW":      "1m",
	"RATE_LIMIT_MAX_KEYS":    10000,
	"RATE_LIMIT_BACKEND":     "memory",
	"SETTLEMENT_DAYS":        2,
	"SETTLEMENT_CALENDAR":    "flat",
	"SALE_RETRY_LIMIT":       3,
	"COMMISSION_RATE":        "0.001",
	"DEFAULT_CURRENCY":       "TRY",
	"WALLET_DAILY_LIMIT":     "90000000",
	"WALLET_MONTHLY_LIMIT":   "900000000",
	"WALLET_MAX_TX":          "50000000",
	"WALLET_MIN_TX":          "10",
	"WALLET_MAX_DAILY_COUNT": 500,
	"CORS_ORIGINS":           "*",
}

// Load reads configuration. path names a config file (.env, YAML, ...);
// empty means an optional .env in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(".env")
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:               v.GetString("PORT"),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:          strings.ToLower(v.GetString("LOG_FORMAT")),
		LogFile:            v.GetString("LOG_FILE"),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		SQLitePath:         v.GetString("SQLITE_PATH"),
		RedisURL:           v.GetString("REDIS_URL"),
		RateLimitBackend:   strings.ToLower(v.GetString("RATE_LIMIT_BACKEND")),
		SettlementCalendar: strings.ToLower(v.GetString("SETTLEMENT_CALENDAR")),
		DefaultCurrency:    strings.ToUpper(v.GetString("DEFAULT_CURRENCY")),
	}

	var err error
	if cfg.CacheTTL, err = duration(v, "CACHE_TTL"); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = duration(v, "RATE_LIMIT_WINDOW"); err != nil {
		return nil, err
	}
	if cfg.RateLimitCapacity, err = integer(v, "RATE_LIMIT_CAPACITY"); err != nil {
		return nil, err
	}
	if cfg.RateLimitMaxKeys, err = integer(v, "RATE_LIMIT_MAX_KEYS"); err != nil {
		return nil, err
	}
	if cfg.SettlementDays, err = integer(v, "SETTLEMENT_DAYS"); err != nil {
		return nil, err
	}
	if cfg.SaleRetryLimit, err = integer(v, "SALE_RETRY_LIMIT"); err != nil {
		return nil, err
	}
	if cfg.CommissionRate, err = decimalValue(v, "COMMISSION_RATE"); err != nil {
		return nil, err
	}

	limits := &cfg.WalletLimits
	if limits.DailyLimit, err = decimalValue(v, "WALLET_DAILY_LIMIT"); err != nil {
		return nil, err
	}
	if limits.MonthlyLimit, err = decimalValue(v, "WALLET_MONTHLY_LIMIT"); err != nil {
		return nil, err
	}
	if limits.MaxTransactionAmount, err = decimalValue(v, "WALLET_MAX_TX"); err != nil {
		return nil, err
	}
	if limits.MinTransactionAmount, err = decimalValue(v, "WALLET_MIN_TX"); err != nil {
		return nil, err
	}
	if limits.MaxDailyTransactionCount, err = integer(v, "WALLET_MAX_DAILY_COUNT"); err != nil {
		return nil, err
	}

	for _, o := range strings.Split(v.GetString("CORS_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("config: RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("config: RATE_LIMIT_BACKEND must be memory or redis, got %q", c.RateLimitBackend)
	}
	if _, err := settlement.ParseCalendar(c.SettlementCalendar); err != nil {
		return fmt.Errorf("config: SETTLEMENT_CALENDAR: %w", err)
	}
	if c.RateLimitCapacity <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: rate limit capacity and window must be positive")
	}
	if c.RateLimitWindow < time.Duration(c.RateLimitCapacity) {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW %s is too short for capacity %d", c.RateLimitWindow, c.RateLimitCapacity)
	}
	if c.RateLimitMaxKeys < 0 {
		return fmt.Errorf("config: RATE_LIMIT_MAX_KEYS must not be negative")
	}
	if c.SettlementDays < 0 {
		return fmt.Errorf("config: SETTLEMENT_DAYS must not be negative, got %d", c.SettlementDays)
	}
	if c.SaleRetryLimit < 0 {
		return fmt.Errorf("config: SALE_RETRY_LIMIT must not be negative, got %d", c.SaleRetryLimit)
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: COMMISSION_RATE must be in [0, 1), got %s", c.CommissionRate)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be positive")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("config: DEFAULT_CURRENCY must be a 3-letter code, got %q", c.DefaultCurrency)
	}
	return nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func integer(v *viper.Viper, key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func decimalValue(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
