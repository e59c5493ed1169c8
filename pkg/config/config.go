package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Provider  ProviderConfig  `json:"provider"`
	Proactive ProactiveConfig `json:"proactive"`
	Facts     FactsConfig     `json:"facts"`
	Notify    NotifyConfig    `json:"notify"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Host     string `json:"host" env:"KIZUNA_SERVER_HOST"`
	Port     int    `json:"port" env:"KIZUNA_SERVER_PORT"`
	AppToken string `json:"app_token" env:"KIZUNA_SERVER_APP_TOKEN"`
}

type StorageConfig struct {
	Path string `json:"path" env:"KIZUNA_STORAGE_PATH"`
}

type ProviderConfig struct {
	APIKey         string `json:"api_key" env:"KIZUNA_PROVIDER_API_KEY"`
	APIBase        string `json:"api_base" env:"KIZUNA_PROVIDER_API_BASE"`
	Model          string `json:"model" env:"KIZUNA_PROVIDER_MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"KIZUNA_PROVIDER_TIMEOUT_SECONDS"`
	Proxy          string `json:"proxy,omitempty" env:"KIZUNA_PROVIDER_PROXY"`
}

// ProactiveConfig holds the outreach policy knobs. The scheduler snapshots
// these once per tick so a reload never changes gate decisions mid-batch.
type ProactiveConfig struct {
	Enabled             bool   `json:"enabled" env:"KIZUNA_PROACTIVE_ENABLED"`
	CronExpr            string `json:"cron_expr" env:"KIZUNA_PROACTIVE_CRON_EXPR"`
	QuietStartHour      int    `json:"quiet_start_hour" env:"KIZUNA_PROACTIVE_QUIET_START_HOUR"`
	QuietEndHour        int    `json:"quiet_end_hour" env:"KIZUNA_PROACTIVE_QUIET_END_HOUR"`
	MaxDaily            int    `json:"max_daily" env:"KIZUNA_PROACTIVE_MAX_DAILY"`
	CooldownHours       int    `json:"cooldown_hours" env:"KIZUNA_PROACTIVE_COOLDOWN_HOURS"`
	IntimacyThreshold   int    `json:"intimacy_threshold" env:"KIZUNA_PROACTIVE_INTIMACY_THRESHOLD"`
	RecentActiveMinutes int    `json:"recent_active_minutes" env:"KIZUNA_PROACTIVE_RECENT_ACTIVE_MINUTES"`
	LookbackDays        int    `json:"lookback_days" env:"KIZUNA_PROACTIVE_LOOKBACK_DAYS"`
	DefaultTimeZone     string `json:"default_time_zone" env:"KIZUNA_PROACTIVE_DEFAULT_TIME_ZONE"`
	MaxMessageRunes     int    `json:"max_message_runes" env:"KIZUNA_PROACTIVE_MAX_MESSAGE_RUNES"`
}

// Location resolves the configured default time zone, falling back to UTC
// when the zone name is unknown or empty.
func (p ProactiveConfig) Location() *time.Location {
	if p.DefaultTimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.DefaultTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type FactsConfig struct {
	ConsolidationThreshold int `json:"consolidation_threshold" env:"KIZUNA_FACTS_CONSOLIDATION_THRESHOLD"`
}

type NotifyConfig struct {
	// Channel selects the outward notifier: "discord", "telegram" or ""
	// (in-app sync only).
	Channel         string `json:"channel" env:"KIZUNA_NOTIFY_CHANNEL"`
	DiscordToken    string `json:"discord_token" env:"KIZUNA_NOTIFY_DISCORD_TOKEN"`
	DiscordChannel  string `json:"discord_channel" env:"KIZUNA_NOTIFY_DISCORD_CHANNEL"`
	TelegramToken   string `json:"telegram_token" env:"KIZUNA_NOTIFY_TELEGRAM_TOKEN"`
	TelegramChatIDs string `json:"telegram_chat_ids" env:"KIZUNA_NOTIFY_TELEGRAM_CHAT_IDS"`
}

type LogConfig struct {
	Level  string `json:"level" env:"KIZUNA_LOG_LEVEL"`
	Format string `json:"format" env:"KIZUNA_LOG_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8920,
		},
		Storage: StorageConfig{
			Path: filepath.Join(defaultStateDir(), "kizuna.db"),
		},
		Provider: ProviderConfig{
			APIBase:        "https://openrouter.ai/api/v1",
			Model:          "openai/gpt-4o-mini",
			TimeoutSeconds: 45,
		},
		Proactive: ProactiveConfig{
			Enabled:             true,
			CronExpr:            "*/15 * * * *",
			QuietStartHour:      23,
			QuietEndHour:        7,
			MaxDaily:            3,
			CooldownHours:       4,
			IntimacyThreshold:   0,
			RecentActiveMinutes: 30,
			LookbackDays:        2,
			DefaultTimeZone:     "Asia/Shanghai",
			MaxMessageRunes:     500,
		},
		Facts: FactsConfig{
			ConsolidationThreshold: 15,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the JSON config at path (a missing file just means defaults)
// and then overlays KIZUNA_* environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults + env only
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if h := c.Proactive.QuietStartHour; h < 0 || h > 23 {
		return fmt.Errorf("config: quiet_start_hour out of range: %d", h)
	}
	if h := c.Proactive.QuietEndHour; h < 0 || h > 23 {
		return fmt.Errorf("config: quiet_end_hour out of range: %d", h)
	}
	if c.Proactive.MaxDaily < 0 {
		return fmt.Errorf("config: max_daily must be >= 0")
	}
	if c.Proactive.CooldownHours < 0 {
		return fmt.Errorf("config: cooldown_hours must be >= 0")
	}
	if c.Facts.ConsolidationThreshold < 1 {
		return fmt.Errorf("config: consolidation_threshold must be >= 1")
	}
	switch c.Notify.Channel {
	case "", "discord", "telegram":
	default:
		return fmt.Errorf("config: unknown notify channel %q", c.Notify.Channel)
	}
	return nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kizuna"
	}
	return filepath.Join(home, ".kizuna")
}
