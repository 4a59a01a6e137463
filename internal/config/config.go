// Package config defines all configuration for the trading daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via OPTD_* environment variables.
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
	Venue     VenueConfig     `mapstructure:"venue"`
	Account   AccountConfig   `mapstructure:"account"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// VenueConfig holds the base URL and static API credentials for the options
// venue. Unlike an on-chain signer, there is no key derivation step: these
// are configured directly, typically via environment variables.
type VenueConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// AccountConfig tunes the account poller (§4.1): how often it snapshots
// equity/margin/positions and fans the result out to registered callbacks.
type AccountConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ExecutionConfig holds the notional thresholds the execution router uses
// to pick limit/smart/rfq for a trade with no explicit mode, plus the
// default tuning for each executor.
type ExecutionConfig struct {
	SmartThresholdUSD float64 `mapstructure:"smart_threshold_usd"`
	RFQThresholdUSD   float64 `mapstructure:"rfq_threshold_usd"`

	FillTimeout         time.Duration `mapstructure:"fill_timeout"`
	AggressiveBufferPct float64       `mapstructure:"aggressive_buffer_pct"`
	MaxRequoteRounds    int           `mapstructure:"max_requote_rounds"`

	SmartChunkCount         int           `mapstructure:"smart_chunk_count"`
	SmartTimePerChunk       time.Duration `mapstructure:"smart_time_per_chunk"`
	SmartStrategy           string        `mapstructure:"smart_strategy"`
	SmartRepriceInterval    time.Duration `mapstructure:"smart_reprice_interval"`
	SmartAggressiveAttempts int           `mapstructure:"smart_aggressive_attempts"`

	RFQPollInterval    time.Duration `mapstructure:"rfq_poll_interval"`
	RFQTotalWait       time.Duration `mapstructure:"rfq_total_wait"`
	RFQMinImprovement  float64       `mapstructure:"rfq_min_improvement_pct"`
}

// StoreConfig sets where trade snapshots are persisted (JSON files) and the
// minimum interval between writes.
type StoreConfig struct {
	DataDir          string        `mapstructure:"data_dir"`
	SaveThrottle     time.Duration `mapstructure:"save_throttle"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MetricsConfig controls the Prometheus metrics endpoint used by the
// periodic health reporter.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: OPTD_API_KEY, OPTD_API_SECRET, OPTD_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OPTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("OPTD_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("OPTD_API_SECRET"); secret != "" {
		cfg.Venue.Secret = secret
	}
	if pass := os.Getenv("OPTD_PASSPHRASE"); pass != "" {
		cfg.Venue.Passphrase = pass
	}
	if os.Getenv("OPTD_DRY_RUN") == "true" || os.Getenv("OPTD_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venue.BaseURL == "" {
		return fmt.Errorf("venue.base_url is required")
	}
	if c.Venue.APIKey == "" || c.Venue.Secret == "" || c.Venue.Passphrase == "" {
		return fmt.Errorf("venue credentials are required (set OPTD_API_KEY / OPTD_API_SECRET / OPTD_PASSPHRASE)")
	}
	if c.Account.PollInterval <= 0 {
		return fmt.Errorf("account.poll_interval must be > 0")
	}
	if c.Execution.SmartThresholdUSD <= 0 {
		return fmt.Errorf("execution.smart_threshold_usd must be > 0")
	}
	if c.Execution.RFQThresholdUSD <= c.Execution.SmartThresholdUSD {
		return fmt.Errorf("execution.rfq_threshold_usd must be greater than smart_threshold_usd")
	}
	if c.Execution.MaxRequoteRounds <= 0 {
		return fmt.Errorf("execution.max_requote_rounds must be > 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}
