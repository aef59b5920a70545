// Package config loads and validates bot configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Discord  DiscordConfig  `mapstructure:"discord"`
	Wayback  WaybackConfig  `mapstructure:"wayback"`
	Karakeep KarakeepConfig `mapstructure:"karakeep"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DiscordConfig holds the bot credential and channel behavior.
type DiscordConfig struct {
	Token            string `mapstructure:"token"`
	DefaultChannelID string `mapstructure:"default_channel_id"`
	ArchiveAllLinks  bool   `mapstructure:"archive_all_links"`
}

// WaybackConfig points at the archival service.
type WaybackConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// KarakeepConfig configures the optional bookmarking service.
type KarakeepConfig struct {
	APIURL         string `mapstructure:"api_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Source         string `mapstructure:"source"`
}

// Enabled reports whether both the endpoint and the key are present.
func (k KarakeepConfig) Enabled() bool {
	return k.APIURL != "" && k.APIKey != ""
}

// HTTPConfig tunes the shared outbound connection pool.
type HTTPConfig struct {
	UserAgent           string `mapstructure:"user_agent"`
	MaxIdleConns        int    `mapstructure:"max_idle_conns"`
	IdleConnTimeoutSecs int    `mapstructure:"idle_conn_timeout_seconds"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles for the ops server.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PubSubConfig holds metadata for archive outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether notifications should be published.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// ProgressConfig toggles the progress sinks.
type ProgressConfig struct {
	LogEvents bool `mapstructure:"log_events"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// legacyEnv maps config keys to the environment variable names the bot has
// always honoured. They are checked after the prefixed ARCHIVEBOT_* form.
var legacyEnv = map[string]string{
	"discord.token":              "DISCORD_BOT_TOKEN",
	"discord.default_channel_id": "DEFAULT_ARCHIVE_CHANNEL_ID",
	"discord.archive_all_links":  "ARCHIVE_ALL_LINKS_IN_CHANNEL",
	"wayback.timeout_seconds":    "WAYBACK_MACHINE_TIMEOUT_SECONDS",
	"karakeep.api_url":           "KARAKEEP_API_URL",
	"karakeep.api_key":           "KARAKEEP_API_KEY",
	"server.port":                "PORT",
}

// Load builds a Config from .env files, an optional config file and the environment.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("ARCHIVEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "ARCHIVEBOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	normalizeFlag(v, "discord.archive_all_links")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Karakeep.APIURL = strings.TrimSpace(cfg.Karakeep.APIURL)
	cfg.Karakeep.APIKey = strings.TrimSpace(cfg.Karakeep.APIKey)
	cfg.Discord.DefaultChannelID = strings.TrimSpace(cfg.Discord.DefaultChannelID)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// normalizeFlag reads a string-valued flag the way the bot always has: only
// "true", in any case, enables it. Anything else is false rather than a load
// error. Typed values from a config file are left alone.
func normalizeFlag(v *viper.Viper, key string) {
	raw, ok := v.Get(key).(string)
	if !ok {
		return
	}
	v.Set(key, strings.EqualFold(raw, "true"))
}

// loadEnvFiles loads ENV_FILE when set, otherwise .env.local then .env.
// Values already present in the environment are never overwritten.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.default_channel_id", "")
	v.SetDefault("discord.archive_all_links", false)
	v.SetDefault("wayback.base_url", "https://web.archive.org")
	v.SetDefault("wayback.timeout_seconds", 180)
	v.SetDefault("karakeep.api_url", "")
	v.SetDefault("karakeep.api_key", "")
	v.SetDefault("karakeep.timeout_seconds", 30)
	v.SetDefault("karakeep.source", "discord_bot_archivebot")
	v.SetDefault("http.user_agent", "archivebot/1.0 (+https://github.com/JakeFAU/archivebot)")
	v.SetDefault("http.max_idle_conns", 100)
	v.SetDefault("http.idle_conn_timeout_seconds", 90)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.log_events", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Wayback.BaseURL == "" {
		return fmt.Errorf("wayback.base_url must be set")
	}
	if c.Wayback.TimeoutSeconds <= 0 {
		return fmt.Errorf("wayback.timeout_seconds must be > 0")
	}
	if c.Karakeep.TimeoutSeconds <= 0 {
		return fmt.Errorf("karakeep.timeout_seconds must be > 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RequireToken reports a missing bot credential; only the bot runner needs it.
func (c Config) RequireToken() error {
	if strings.TrimSpace(c.Discord.Token) == "" {
		return fmt.Errorf("discord.token (DISCORD_BOT_TOKEN) must be set")
	}
	return nil
}

// WaybackTimeout converts the archival timeout to a duration.
func (c Config) WaybackTimeout() time.Duration {
	return time.Duration(c.Wayback.TimeoutSeconds) * time.Second
}

// KarakeepTimeout converts the bookmarking timeout to a duration.
func (c Config) KarakeepTimeout() time.Duration {
	return time.Duration(c.Karakeep.TimeoutSeconds) * time.Second
}

// IdleConnTimeout converts the pool idle timeout to a duration.
func (c Config) IdleConnTimeout() time.Duration {
	return time.Duration(c.HTTP.IdleConnTimeoutSecs) * time.Second
}
