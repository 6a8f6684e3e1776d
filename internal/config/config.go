// Package config provides YAML-based configuration loading for Valet.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Valet configuration, loaded from valet.yaml.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Chat      ChatConfig      `yaml:"chat"`
	RPC       RPCConfig       `yaml:"rpc"`
	Interact  InteractConfig  `yaml:"interact"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Plugins   PluginsConfig   `yaml:"plugins"`
}

// StorageConfig holds connection settings for the backing store.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // sqlite | mysql
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ChatConfig selects and configures the chat platform adapter.
type ChatConfig struct {
	Platform string        `yaml:"platform"` // discord | slack
	Discord  DiscordConfig `yaml:"discord"`
	Slack    SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// RPCConfig tunes the companion RPC client.
type RPCConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	AttemptTimeoutSec int `yaml:"attempt_timeout_sec"`
	RetryBackoffSec   int `yaml:"retry_backoff_sec"`
}

// InteractConfig tunes conversational prompt behavior.
type InteractConfig struct {
	RedisplayMin int `yaml:"redisplay_min"` // prompt re-send interval, minutes
}

// DashboardConfig controls the web dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// PluginsConfig enables and configures the bundled plugins.
type PluginsConfig struct {
	Habits    HabitsConfig    `yaml:"habits"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Mailwatch MailwatchConfig `yaml:"mailwatch"`
}

// HabitsConfig configures the habit tracker plugin.
type HabitsConfig struct {
	Enabled bool          `yaml:"enabled"`
	Habits  []HabitConfig `yaml:"habits"`
}

// HabitConfig is one tracked habit with a 5-field cron schedule.
type HabitConfig struct {
	Name string `yaml:"name"`
	Cron string `yaml:"cron"`
}

// PaymentsConfig configures the recurring payments plugin.
type PaymentsConfig struct {
	Enabled   bool            `yaml:"enabled"`
	PollHours int             `yaml:"poll_hours"`
	Payments  []PaymentConfig `yaml:"payments"`
}

// PaymentConfig is one recurring payment to confirm.
type PaymentConfig struct {
	Payee      string  `yaml:"payee"`
	Amount     float64 `yaml:"amount"`
	Currency   string  `yaml:"currency"`
	DayOfMonth int     `yaml:"day_of_month"`
}

// MailwatchConfig configures the email watcher plugin.
type MailwatchConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Query        string `yaml:"query"` // Gmail search query
	PollMin      int    `yaml:"poll_min"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "valet.db"
	}
	if c.Storage.Host == "" {
		c.Storage.Host = "127.0.0.1"
	}
	if c.Storage.Port == 0 {
		c.Storage.Port = 3306
	}
	if c.Storage.User == "" {
		c.Storage.User = "root"
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "valet"
	}
	if c.RPC.MaxAttempts == 0 {
		c.RPC.MaxAttempts = 3
	}
	if c.RPC.AttemptTimeoutSec == 0 {
		c.RPC.AttemptTimeoutSec = 30
	}
	if c.Interact.RedisplayMin == 0 {
		c.Interact.RedisplayMin = 60
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Plugins.Payments.PollHours == 0 {
		c.Plugins.Payments.PollHours = 12
	}
	if c.Plugins.Mailwatch.PollMin == 0 {
		c.Plugins.Mailwatch.PollMin = 10
	}
	for i := range c.Plugins.Payments.Payments {
		if c.Plugins.Payments.Payments[i].Currency == "" {
			c.Plugins.Payments.Payments[i].Currency = "USD"
		}
		if c.Plugins.Payments.Payments[i].DayOfMonth == 0 {
			c.Plugins.Payments.Payments[i].DayOfMonth = 1
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Storage.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported (sqlite, mysql)", c.Storage.Driver))
	}
	switch c.Chat.Platform {
	case "discord", "slack", "":
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q is not supported (discord, slack)", c.Chat.Platform))
	}
	for i, h := range c.Plugins.Habits.Habits {
		if h.Name == "" {
			errs = append(errs, fmt.Sprintf("plugins.habits.habits[%d].name is required", i))
		}
		if h.Cron == "" {
			errs = append(errs, fmt.Sprintf("plugins.habits.habits[%d].cron is required", i))
		}
	}
	for i, p := range c.Plugins.Payments.Payments {
		if p.Payee == "" {
			errs = append(errs, fmt.Sprintf("plugins.payments.payments[%d].payee is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
