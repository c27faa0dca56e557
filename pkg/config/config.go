package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath = "TGRELAY_CONFIG"

	defaultGatewayHost = "0.0.0.0"
	defaultGatewayPort = 3000
	defaultRedisStream = "tgrelay:messages"
	defaultServiceName = "tgrelay"
)

var configExtensions = []string{".json", ".yaml", ".yml", ".toml"}

// Config is the root runtime configuration. It is built once at startup and
// passed into constructors; core packages never read the environment.
type Config struct {
	Channels   ChannelsConfig   `json:"channels" yaml:"channels" toml:"channels"`
	Publishers PublishersConfig `json:"publishers" yaml:"publishers" toml:"publishers"`
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway" toml:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty" yaml:"logging,omitempty" toml:"logging,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty" yaml:"telemetry,omitempty" toml:"telemetry,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty" toml:"add_source,omitempty"`
}

// ChannelsConfig stores inbound transport settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram" toml:"telegram"`
}

// TelegramConfig configures the Telegram listener.
type TelegramConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Token              string   `json:"token" yaml:"token" toml:"token"`
	AllowFrom          []string `json:"allow_from" yaml:"allow_from" toml:"allow_from"`
	NotifyChatID       int64    `json:"notify_chat_id,omitempty" yaml:"notify_chat_id,omitempty" toml:"notify_chat_id,omitempty"`
	PollTimeoutSeconds int      `json:"poll_timeout_seconds,omitempty" yaml:"poll_timeout_seconds,omitempty" toml:"poll_timeout_seconds,omitempty"`
	// APIServer points the bot at a self-hosted Bot API server.
	APIServer string `json:"api_server,omitempty" yaml:"api_server,omitempty" toml:"api_server,omitempty"`
}

// PublishersConfig lists every outbound sink. Webhook is always built, even
// with an empty URL, so that a missing URL degrades to a skipped publish.
type PublishersConfig struct {
	Webhook   WebhookConfig   `json:"webhook" yaml:"webhook" toml:"webhook"`
	Webhooks  []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty" toml:"webhooks,omitempty"`
	Redis     RedisConfig     `json:"redis,omitempty" yaml:"redis,omitempty" toml:"redis,omitempty"`
	WebSocket WebSocketConfig `json:"websocket,omitempty" yaml:"websocket,omitempty" toml:"websocket,omitempty"`
	Slack     SlackConfig     `json:"slack,omitempty" yaml:"slack,omitempty" toml:"slack,omitempty"`
	Discord   DiscordConfig   `json:"discord,omitempty" yaml:"discord,omitempty" toml:"discord,omitempty"`
}

// WebhookConfig configures one HTTP webhook destination.
type WebhookConfig struct {
	URL            string            `json:"url" yaml:"url" toml:"url"`
	Secret         string            `json:"secret,omitempty" yaml:"secret,omitempty" toml:"secret,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"`
}

// RedisConfig configures the Redis stream publisher.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty" toml:"db,omitempty"`
	Stream   string `json:"stream,omitempty" yaml:"stream,omitempty" toml:"stream,omitempty"`
	MaxLen   int64  `json:"max_len,omitempty" yaml:"max_len,omitempty" toml:"max_len,omitempty"`
}

// WebSocketConfig configures the WebSocket publisher.
type WebSocketConfig struct {
	Enabled                 bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	URL                     string `json:"url" yaml:"url" toml:"url"`
	Token                   string `json:"token,omitempty" yaml:"token,omitempty" toml:"token,omitempty"`
	HandshakeTimeoutSeconds int    `json:"handshake_timeout_seconds,omitempty" yaml:"handshake_timeout_seconds,omitempty" toml:"handshake_timeout_seconds,omitempty"`
}

// SlackConfig configures the Slack incoming-webhook publisher.
type SlackConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
	Channel    string `json:"channel,omitempty" yaml:"channel,omitempty" toml:"channel,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
}

// DiscordConfig configures the Discord webhook publisher.
type DiscordConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	WebhookID    string `json:"webhook_id" yaml:"webhook_id" toml:"webhook_id"`
	WebhookToken string `json:"webhook_token" yaml:"webhook_token" toml:"webhook_token"`
	Username     string `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host" toml:"host"`
	Port int    `json:"port" yaml:"port" toml:"port"`
}

// TelemetryConfig configures OpenTelemetry trace and metric export.
type TelemetryConfig struct {
	Enabled      bool              `json:"enabled" yaml:"enabled" toml:"enabled"`
	ServiceName  string            `json:"service_name,omitempty" yaml:"service_name,omitempty" toml:"service_name,omitempty"`
	Environment  string            `json:"environment,omitempty" yaml:"environment,omitempty" toml:"environment,omitempty"`
	OTLPEndpoint string            `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty" toml:"otlp_endpoint,omitempty"`
	OTLPHeaders  map[string]string `json:"otlp_headers,omitempty" yaml:"otlp_headers,omitempty" toml:"otlp_headers,omitempty"`
	Insecure     bool              `json:"insecure,omitempty" yaml:"insecure,omitempty" toml:"insecure,omitempty"`
	SampleRate   float64           `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty" toml:"sample_rate,omitempty"`

	MetricIntervalSeconds int `json:"metric_interval_seconds,omitempty" yaml:"metric_interval_seconds,omitempty" toml:"metric_interval_seconds,omitempty"`
}

// envOverrides is the flat set of environment variables layered on top of
// the file configuration. Unset variables leave file values untouched.
type envOverrides struct {
	TelegramToken        string   `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAllowFrom    []string `env:"TELEGRAM_ALLOW_FROM" envSeparator:","`
	TelegramNotifyChatID int64    `env:"TELEGRAM_NOTIFY_CHAT_ID"`

	WebhookURL    string `env:"WEBHOOK_URL"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisStream   string `env:"REDIS_STREAM"`

	WebSocketURL   string `env:"WEBSOCKET_URL"`
	WebSocketToken string `env:"WEBSOCKET_TOKEN"`

	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`

	DiscordWebhookID    string `env:"DISCORD_WEBHOOK_ID"`
	DiscordWebhookToken string `env:"DISCORD_WEBHOOK_TOKEN"`

	HealthHost string `env:"HEALTH_HOST"`
	HealthPort int    `env:"HEALTH_PORT"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Enabled: true, PollTimeoutSeconds: 30},
		},
		Publishers: PublishersConfig{
			Redis: RedisConfig{Stream: defaultRedisStream},
		},
		Gateway: GatewayConfig{
			Host: defaultGatewayHost,
			Port: defaultGatewayPort,
		},
		Telemetry: TelemetryConfig{
			ServiceName: defaultServiceName,
			SampleRate:  1.0,
		},
	}
}

// LoadConfig resolves the config file, decodes it by extension, and applies
// environment overrides. A missing file is not an error; defaults plus
// environment are used instead.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if configPath != "" {
		if err := decodeFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports settings that can never work at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}

	var errs []error
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1]: %v", c.Telemetry.SampleRate))
	}
	if c.Telemetry.MetricIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("telemetry.metric_interval_seconds must be >= 0: %d", c.Telemetry.MetricIntervalSeconds))
	}
	if c.Channels.Telegram.PollTimeoutSeconds < 0 {
		errs = append(errs, errors.New("channels.telegram.poll_timeout_seconds must not be negative"))
	}
	for i, hook := range c.Publishers.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			errs = append(errs, fmt.Errorf("publishers.webhooks[%d].url is required", i))
		}
	}

	return errors.Join(errs...)
}

func decodeFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, cfg)
	case ".toml":
		err = toml.Unmarshal(content, cfg)
	default:
		err = json.Unmarshal(content, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", filepath.Base(path), err)
	}

	return nil
}

// applyEnvOverrides injects env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	telegram := &cfg.Channels.Telegram
	setString(&telegram.Token, overrides.TelegramToken)
	if allowFrom := compact(overrides.TelegramAllowFrom); len(allowFrom) > 0 {
		telegram.AllowFrom = allowFrom
	}
	if overrides.TelegramNotifyChatID != 0 {
		telegram.NotifyChatID = overrides.TelegramNotifyChatID
	}

	publishers := &cfg.Publishers
	setString(&publishers.Webhook.URL, overrides.WebhookURL)
	setString(&publishers.Webhook.Secret, overrides.WebhookSecret)

	if setString(&publishers.Redis.Addr, overrides.RedisAddr) {
		publishers.Redis.Enabled = true
	}
	setString(&publishers.Redis.Password, overrides.RedisPassword)
	setString(&publishers.Redis.Stream, overrides.RedisStream)

	if setString(&publishers.WebSocket.URL, overrides.WebSocketURL) {
		publishers.WebSocket.Enabled = true
	}
	setString(&publishers.WebSocket.Token, overrides.WebSocketToken)

	if setString(&publishers.Slack.WebhookURL, overrides.SlackWebhookURL) {
		publishers.Slack.Enabled = true
	}

	if setString(&publishers.Discord.WebhookID, overrides.DiscordWebhookID) {
		publishers.Discord.Enabled = true
	}
	setString(&publishers.Discord.WebhookToken, overrides.DiscordWebhookToken)

	setString(&cfg.Gateway.Host, overrides.HealthHost)
	if overrides.HealthPort != 0 {
		cfg.Gateway.Port = overrides.HealthPort
	}

	setString(&cfg.Telemetry.OTLPEndpoint, overrides.OTLPEndpoint)

	return nil
}

// setString overwrites dst when value is non-blank and reports whether it did.
func setString(dst *string, value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	*dst = trimmed
	return true
}

// compact trims values and drops empty entries.
func compact(values []string) []string {
	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is TGRELAY_CONFIG first, then cwd-local fallback paths. An empty
// result means no file was found.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	for _, dir := range []string{cwd, filepath.Join(cwd, "config")} {
		for _, ext := range configExtensions {
			candidate := filepath.Join(dir, "config"+ext)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}

	return "", nil
}
