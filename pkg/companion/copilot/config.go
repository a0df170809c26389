// Package copilot – config.go defines all configuration structures
// for the companion assistant.
package copilot

import (
	"time"

	"github.com/jholhewres/companion/pkg/companion/channels/discord"
	"github.com/jholhewres/companion/pkg/companion/channels/telegram"
	"github.com/jholhewres/companion/pkg/companion/channels/whatsapp"
	"github.com/jholhewres/companion/pkg/companion/llm"
	"github.com/jholhewres/companion/pkg/companion/persona"
	"github.com/jholhewres/companion/pkg/companion/scheduler"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the bot name, used in the welcome text and the console prompt.
	Name string `yaml:"name" validate:"required"`

	// API configures the completion endpoint client.
	API APIConfig `yaml:"api"`

	// DefaultPersonality is used by chats that have not picked one.
	DefaultPersonality string `yaml:"default_personality" validate:"required"`

	// Personalities declared inline.
	Personalities map[string]persona.Personality `yaml:"personalities" validate:"dive"`

	// PersonalitiesFile is an optional YAML map of personalities, layered
	// over the inline ones and reloaded when it changes.
	PersonalitiesFile string `yaml:"personalities_file"`

	// Inactivity configures proactive check-ins.
	Inactivity InactivityConfig `yaml:"inactivity"`

	// Reminders configures the reminder scheduler.
	Reminders scheduler.Config `yaml:"reminders"`

	// Channels configures communication channels.
	Channels ChannelsConfig `yaml:"channels"`

	// Gateway configures the status HTTP API.
	Gateway GatewayConfig `yaml:"gateway"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the completion endpoint client.
type APIConfig struct {
	// APIKey is the bearer token. Prefer the keyring or COMPANION_API_KEY.
	APIKey string `yaml:"api_key"`

	// SiteURL is sent as HTTP-Referer when set.
	SiteURL string `yaml:"site_url"`

	// AppName is sent as X-Title when set.
	AppName string `yaml:"app_name"`

	// Timeout bounds each completion request.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// StripNamePrefix drops a leading "Name:" from replies.
	StripNamePrefix bool `yaml:"strip_name_prefix"`
}

// InactivityConfig configures the per-chat check-in task.
type InactivityConfig struct {
	// Enabled turns proactive check-ins on/off.
	Enabled bool `yaml:"enabled"`

	// Interval is how often an armed task looks at the chat's last activity.
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// Threshold is the idle time after which a check-in is scheduled.
	Threshold time.Duration `yaml:"threshold" validate:"gte=0"`

	// MinWait and MaxWait bound the random delay before the check-in.
	MinWait time.Duration `yaml:"min_wait" validate:"gte=0"`
	MaxWait time.Duration `yaml:"max_wait" validate:"gtefield=MinWait"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// TelegramConfig enables the Telegram channel.
type TelegramConfig struct {
	Enabled         bool `yaml:"enabled"`
	telegram.Config `yaml:",inline"`
}

// DiscordConfig enables the Discord channel.
type DiscordConfig struct {
	Enabled        bool `yaml:"enabled"`
	discord.Config `yaml:",inline"`
}

// WhatsAppConfig enables the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled         bool `yaml:"enabled"`
	whatsapp.Config `yaml:",inline"`
}

// GatewayConfig configures the status HTTP API.
type GatewayConfig struct {
	// Enabled turns the API on/off.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (e.g. "127.0.0.1:8085").
	Address string `yaml:"address"`

	// AuthToken, when set, is required as "Authorization: Bearer <token>"
	// on every route except /health.
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is the log format ("console", "json").
	Format string `yaml:"format" validate:"omitempty,oneof=console text json"`

	// Telegram forwards error records to a Telegram chat when set.
	Telegram TelegramLogConfig `yaml:"telegram"`
}

// TelegramLogConfig is the error-forwarding target.
type TelegramLogConfig struct {
	// Token of the bot that posts log records.
	Token string `yaml:"token"`

	// ChatID to post log records to.
	ChatID string `yaml:"chat_id"`
}

// DefaultConfig returns the default assistant configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "Companion",
		API: APIConfig{
			AppName:         "companion",
			Timeout:         llm.DefaultTimeout,
			StripNamePrefix: true,
		},
		DefaultPersonality: persona.DefaultID,
		Personalities: map[string]persona.Personality{
			persona.DefaultID: {
				Prompt:      "You are a warm, attentive companion. Keep replies short and conversational.",
				Model:       "openai/gpt-4o",
				APIURL:      "https://openrouter.ai/api/v1/chat/completions",
				Temperature: 0.7,
			},
		},
		Inactivity: InactivityConfig{
			Enabled:   true,
			Interval:  time.Hour,
			Threshold: time.Hour,
			MinWait:   time.Hour,
			MaxWait:   4 * time.Hour,
		},
		Reminders: scheduler.Config{
			Tick:          scheduler.DefaultTick,
			MaxConcurrent: scheduler.DefaultMaxConcurrent,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Config: whatsapp.Config{SessionDir: "./sessions/whatsapp"},
			},
		},
		Gateway: GatewayConfig{
			Address: "127.0.0.1:8085",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LLMConfig maps the API section onto the completion client config.
func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		APIKey:          c.API.APIKey,
		SiteURL:         c.API.SiteURL,
		AppName:         c.API.AppName,
		Timeout:         c.API.Timeout,
		StripNamePrefix: c.API.StripNamePrefix,
	}
}
