// Package config defines all configuration for the conditional-order engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRIG_* environment variables.
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
	Store    StoreConfig    `mapstructure:"store"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Quote    QuoteConfig    `mapstructure:"quote"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	API      APIConfig      `mapstructure:"api"`
}

// StoreConfig sets where tenant data is persisted (JSON files under DataDir)
// and the file-lock / retention behavior.
type StoreConfig struct {
	DataDir       string        `mapstructure:"data_dir"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// MonitorConfig tunes the price-monitor scheduler.
//
//   - CheckInterval:  evaluation cadence for active triggers.
//   - MaxQuoteWorkers: fan-out bound for parallel quote fetches.
//   - CondEps: absolute tolerance for condition comparison; trigger_price is a
//     threshold with this tolerance, not an exact equality.
type MonitorConfig struct {
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	MaxQuoteWorkers int           `mapstructure:"max_quote_workers"`
	CondEps         float64       `mapstructure:"cond_eps"`
}

// BrokerConfig tunes the per-(tenant,broker) session pool.
type BrokerConfig struct {
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	SessionMax int           `mapstructure:"session_max"`
}

// QuoteConfig holds the quote-source endpoint and cache freshness.
type QuoteConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TTL          time.Duration `mapstructure:"ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// TelegramConfig holds the bot token used for execution notifications.
// An empty token disables notifications.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	BaseURL  string `mapstructure:"base_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the REST/WebSocket façade.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// The Telegram token uses TRIG_TELEGRAM_BOT_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if token := os.Getenv("TRIG_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}

	return &cfg, nil
}

// setDefaults applies the documented tunables so a minimal YAML file works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.data_dir", "users")
	v.SetDefault("store.lock_timeout", 10*time.Second)
	v.SetDefault("store.retention_days", 30)

	v.SetDefault("monitor.check_interval", 30*time.Second)
	v.SetDefault("monitor.max_quote_workers", 5)
	v.SetDefault("monitor.cond_eps", 0.01)

	v.SetDefault("broker.session_ttl", 30*time.Minute)
	v.SetDefault("broker.session_max", 50)

	v.SetDefault("quote.base_url", "https://mis.twse.com.tw")
	v.SetDefault("quote.ttl", 10*time.Second)
	v.SetDefault("quote.fetch_timeout", 15*time.Second)

	v.SetDefault("telegram.base_url", "https://api.telegram.org")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Store.LockTimeout <= 0 {
		return fmt.Errorf("store.lock_timeout must be > 0")
	}
	if c.Store.RetentionDays < 0 {
		return fmt.Errorf("store.retention_days must be >= 0")
	}
	if c.Monitor.CheckInterval < time.Second {
		return fmt.Errorf("monitor.check_interval must be >= 1s")
	}
	if c.Monitor.MaxQuoteWorkers <= 0 {
		return fmt.Errorf("monitor.max_quote_workers must be > 0")
	}
	if c.Monitor.CondEps < 0 {
		return fmt.Errorf("monitor.cond_eps must be >= 0")
	}
	if c.Broker.SessionTTL <= 0 {
		return fmt.Errorf("broker.session_ttl must be > 0")
	}
	if c.Broker.SessionMax <= 0 {
		return fmt.Errorf("broker.session_max must be > 0")
	}
	if c.Quote.BaseURL == "" {
		return fmt.Errorf("quote.base_url is required")
	}
	if c.Quote.TTL <= 0 {
		return fmt.Errorf("quote.ttl must be > 0")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid TCP port")
	}
	return nil
}
