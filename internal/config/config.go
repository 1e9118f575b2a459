// Package config loads the engine configuration from an optional YAML file,
// a .env file and environment variables, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stonkschool/contest-engine/internal/payout"
)

// Config is the complete engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
	Contest    ContestConfig    `yaml:"contest"`
	Wallet     WalletConfig     `yaml:"wallet"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Replay     ReplayConfig     `yaml:"replay"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// StorageConfig selects the backends. An empty DatabaseURL runs on the
// in-memory store; RedisURL is only used together with Postgres.
type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

type ContestConfig struct {
	SchedulerInterval   time.Duration `yaml:"scheduler_interval"`
	LeaderboardInterval time.Duration `yaml:"leaderboard_interval"`
	// PayoutCurve lists the pool fraction of rank 1, 2, ... as decimal strings.
	PayoutCurve []string `yaml:"payout_curve"`
}

type WalletConfig struct {
	InitialGrant string `yaml:"initial_grant"`
	Currency     string `yaml:"currency"`
}

type MarketDataConfig struct {
	BucketWidth time.Duration `yaml:"bucket_width"`
	FeedURL     string        `yaml:"feed_url"`
	FeedBackoff time.Duration `yaml:"feed_backoff"`
	// Instruments maps feed instrument ids to asset ids.
	Instruments map[string]string `yaml:"instruments"`
}

type ReplayConfig struct {
	Pacing time.Duration `yaml:"pacing"`
}

// Load reads the YAML file at path (skipped when path is empty), loads .env
// if present, applies environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TICK_FEED_URL"); v != "" {
		cfg.MarketData.FeedURL = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Contest.SchedulerInterval <= 0 {
		cfg.Contest.SchedulerInterval = time.Second
	}
	if cfg.Contest.LeaderboardInterval <= 0 {
		cfg.Contest.LeaderboardInterval = 5 * time.Second
	}
	if len(cfg.Contest.PayoutCurve) == 0 {
		cfg.Contest.PayoutCurve = []string{"0.5", "0.3", "0.2"}
	}
	if cfg.Wallet.InitialGrant == "" {
		cfg.Wallet.InitialGrant = "1000.00"
	}
	if cfg.Wallet.Currency == "" {
		cfg.Wallet.Currency = "VCOIN"
	}
	if cfg.MarketData.BucketWidth <= 0 {
		cfg.MarketData.BucketWidth = time.Minute
	}
	if cfg.MarketData.FeedBackoff <= 0 {
		cfg.MarketData.FeedBackoff = 5 * time.Second
	}
	if cfg.Replay.Pacing <= 0 {
		cfg.Replay.Pacing = time.Second
	}
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := c.Grant(); err != nil {
		return err
	}
	if _, err := c.Curve(); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// Grant returns the initial wallet grant.
func (c *Config) Grant() (decimal.Decimal, error) {
	g, err := decimal.NewFromString(c.Wallet.InitialGrant)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: initial_grant %q: %w", c.Wallet.InitialGrant, err)
	}
	if g.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: initial_grant must not be negative")
	}
	return g, nil
}

// Curve returns the parsed payout curve.
func (c *Config) Curve() (payout.Curve, error) {
	curve, err := payout.ParseCurve(c.Contest.PayoutCurve)
	if err != nil {
		return payout.Curve{}, fmt.Errorf("config: payout_curve: %w", err)
	}
	return curve, nil
}

// LogLevel returns the slog level named by Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", c.Log.Level, err)
	}
	return l, nil
}
