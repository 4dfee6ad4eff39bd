// Package config defines all configuration for the arbitrage trading
// engine. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via TRADER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Trading   TradingConfig   `mapstructure:"trading"`
	API       APIConfig       `mapstructure:"api"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Instant   InstantConfig   `mapstructure:"instant"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

// TradingConfig holds the parameters spec.md §6 calls the "CLI / config
// surface": which currencies seed path enumeration, and how often/long the
// engine ticks, re-plans, and blacklists.
type TradingConfig struct {
	PrimaryCurrencies []string      `mapstructure:"primary_currencies"`
	MinTradeAmount    string        `mapstructure:"min_trade_amount"` // decimal string, parsed at startup
	PathFindInterval  time.Duration `mapstructure:"path_find_interval"`
	ProfitTimeoutMin  int           `mapstructure:"profit_timeout_min"`
	BlacklistTTL      time.Duration `mapstructure:"blacklist_ttl"`

	// Markets is the universe the Path Enumerator searches over: market
	// string ("BASE_QUOTE") to the speed a path should use when crossing
	// it ("INSTANT" or "DELAYED").
	Markets map[string]string `mapstructure:"markets"`

	// DefaultMakerFee and DefaultTakerFee seed the Fee Stream for every
	// configured market before the exchange reports anything
	// market-specific; expressed as 1 − fee_rate, matching
	// types.FeeMultiplier.
	DefaultMakerFee string `mapstructure:"default_maker_fee"`
	DefaultTakerFee string `mapstructure:"default_taker_fee"`
}

// APIConfig holds exchange REST/WS endpoints and credentials.
type APIConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// RiskConfig sets the balance reservation the Trader top level enforces
// before handing a currency's spendable balance to the enumerator.
//
//   - FixedReserve: per-currency amount never offered to path enumeration
//     (kept in reserve against fees, dust, manual withdrawals).
type RiskConfig struct {
	FixedReserve map[string]string `mapstructure:"fixed_reserve"`
}

// InstantConfig tunes the Instant-Trade Executor's retry policy (spec.md
// §4.4): per-error-class backoffs and the NotEnoughCrypto retry count
// before the executor aborts the step with an error. MaxRetries is
// checked by Validate but is not read by the executor.
type InstantConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	UnableToFillBackoff time.Duration `mapstructure:"unable_to_fill_backoff"`
	TxFailedBackoff     time.Duration `mapstructure:"tx_failed_backoff"`
	MaxOrdersBackoff    time.Duration `mapstructure:"max_orders_backoff"`
	NetworkBackoff      time.Duration `mapstructure:"network_backoff"`
	NotEnoughCryptoTries int          `mapstructure:"not_enough_crypto_tries"`
}

// DatabaseConfig points at the durability journal's relational store.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AdminConfig controls the admin HTTP surface (intents/processors snapshot
// + Prometheus metrics).
type AdminConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADER_API_KEY, TRADER_API_SECRET,
// TRADER_PASSPHRASE, TRADER_DATABASE_DSN, TRADER_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("TRADER_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("TRADER_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("TRADER_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if dsn := os.Getenv("TRADER_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if os.Getenv("TRADER_DRY_RUN") == "true" || os.Getenv("TRADER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Trading.PrimaryCurrencies) == 0 {
		return fmt.Errorf("trading.primary_currencies is required")
	}
	if c.Trading.MinTradeAmount == "" {
		return fmt.Errorf("trading.min_trade_amount is required")
	}
	if c.Trading.PathFindInterval <= 0 {
		return fmt.Errorf("trading.path_find_interval must be > 0")
	}
	if c.Trading.ProfitTimeoutMin <= 0 {
		return fmt.Errorf("trading.profit_timeout_min must be > 0")
	}
	if c.Trading.BlacklistTTL <= 0 {
		return fmt.Errorf("trading.blacklist_ttl must be > 0")
	}
	if len(c.Trading.Markets) == 0 {
		return fmt.Errorf("trading.markets is required")
	}
	if c.Trading.DefaultMakerFee == "" || c.Trading.DefaultTakerFee == "" {
		return fmt.Errorf("trading.default_maker_fee and default_taker_fee are required")
	}
	if c.API.RESTBaseURL == "" {
		return fmt.Errorf("api.rest_base_url is required")
	}
	if !c.DryRun && (c.API.ApiKey == "" || c.API.Secret == "" || c.API.Passphrase == "") {
		return fmt.Errorf("api credentials are required unless dry_run is set")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Instant.MaxRetries <= 0 {
		return fmt.Errorf("instant.max_retries must be > 0")
	}
	if c.Instant.NotEnoughCryptoTries <= 0 {
		return fmt.Errorf("instant.not_enough_crypto_tries must be > 0")
	}
	return nil
}
