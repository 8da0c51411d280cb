// Package config loads service configuration from defaults, an optional YAML
// file and environment overrides (a .env file is honoured when present).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/confluxscan/confluxscan/internal/domain/confluence"
)

// Config is the full service configuration.
type Config struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		Development    bool     `yaml:"development"`
		TrustedProxies []string `yaml:"trusted_proxies"`
		// BreakerInterceptor gates the response-classifying circuit breaker
		// on the screening routes.
		BreakerInterceptor bool `yaml:"breaker_interceptor"`
	} `yaml:"server"`

	Auth struct {
		APIKeys []string `yaml:"api_keys"`
	} `yaml:"auth"`

	Upstream struct {
		BaseURL      string        `yaml:"base_url"`
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
	} `yaml:"upstream"`

	Cache struct {
		TTL      time.Duration `yaml:"ttl"`
		MaxItems int           `yaml:"max_items"`
		MaxBytes int64         `yaml:"max_bytes"`
	} `yaml:"cache"`

	Screening struct {
		Weights    confluence.Weights    `yaml:"weights"`
		Thresholds confluence.Thresholds `yaml:"thresholds"`
		MTFEnabled bool                  `yaml:"mtf_enabled"`
	} `yaml:"screening"`

	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`

	EventLog struct {
		Enabled      bool   `yaml:"enabled"`
		RulesVersion string `yaml:"rules_version"`
	} `yaml:"event_log"`

	Notify struct {
		TelegramBotToken string `yaml:"telegram_bot_token"`
		TelegramChatID   string `yaml:"telegram_chat_id"`
	} `yaml:"notify"`

	LogLevel string `yaml:"log_level"`
	Timezone string `yaml:"timezone"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Upstream.BaseURL = "https://www.okx.com"
	cfg.Upstream.FetchTimeout = 10 * time.Second
	cfg.Cache.TTL = 20 * time.Second
	cfg.Cache.MaxItems = 1000
	cfg.Cache.MaxBytes = 64 << 20
	cfg.Screening.Weights = confluence.DefaultWeights()
	cfg.Screening.Thresholds = confluence.DefaultThresholds()
	cfg.Screening.MTFEnabled = true
	cfg.EventLog.RulesVersion = "v1"
	cfg.LogLevel = "info"
	cfg.Timezone = "Asia/Jakarta"
	return cfg
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables. A .env file in the working
// directory is loaded first so container setups need no extra tooling.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DEVELOPMENT"); v != "" {
		c.Server.Development = boolEnv(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		c.Server.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("BREAKER_INTERCEPTOR"); v != "" {
		c.Server.BreakerInterceptor = boolEnv(v)
	}
	if v := os.Getenv("API_KEYS"); v != "" {
		c.Auth.APIKeys = splitCSV(v)
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Cache.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("BUY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Screening.Thresholds.Buy = n
		}
	}
	if v := os.Getenv("SELL_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Screening.Thresholds.Sell = n
		}
	}
	if v := os.Getenv("MTF_ENABLED"); v != "" {
		c.Screening.MTFEnabled = boolEnv(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("EVENT_LOG_ENABLED"); v != "" {
		c.EventLog.Enabled = boolEnv(v)
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notify.TelegramChatID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		c.Timezone = v
	}
}

func (c *Config) validate() error {
	if c.Screening.Thresholds.Buy <= c.Screening.Thresholds.Sell {
		return fmt.Errorf("buy threshold %d must exceed sell threshold %d",
			c.Screening.Thresholds.Buy, c.Screening.Thresholds.Sell)
	}
	if c.EventLog.Enabled && c.DatabaseURL == "" {
		return fmt.Errorf("event log enabled but DATABASE_URL is not set")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone. Call after validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func boolEnv(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
