package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Access policy values for direct messages.
const (
	DMPolicyOpen      = "open"
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
)

// Access policy values for group conversations.
const (
	GroupPolicyOpen      = "open"
	GroupPolicyAllowlist = "allowlist"
	GroupPolicyDisabled  = "disabled"
)

// Receiver and reply-mode selectors.
const (
	ReceiverNative = "native"
	ReceiverSDK    = "sdk"

	ReplyModeOpenAPI = "openapi"
	ReplyModeWebhook = "webhook"
)

// Upstream provider selectors.
const (
	ProviderGateway   = "gateway"
	ProviderAnthropic = "anthropic"
)

// History backends.
const (
	HistoryMemory = "memory"
	HistoryRedis  = "redis"
)

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Session  SessionConfig  `json:"session"`
	History  HistoryConfig  `json:"history"`
	Health   HealthConfig   `json:"health"`
	Logging  LoggingConfig  `json:"logging"`
}

type ChannelsConfig struct {
	DingTalk DingTalkConfig `json:"dingtalk"`
}

type DingTalkConfig struct {
	Enabled           bool                `env:"DINGCLAW_CHANNELS_DINGTALK_ENABLED"             json:"enabled"`
	ClientID          string              `env:"DINGCLAW_CHANNELS_DINGTALK_CLIENT_ID"           json:"client_id"`
	ClientSecret      string              `env:"DINGCLAW_CHANNELS_DINGTALK_CLIENT_SECRET"       json:"client_secret"`
	APIBase           string              `env:"DINGCLAW_CHANNELS_DINGTALK_API_BASE"            json:"api_base,omitempty"`
	OAPIBase          string              `env:"DINGCLAW_CHANNELS_DINGTALK_OAPI_BASE"           json:"oapi_base,omitempty"`
	DMPolicy          string              `env:"DINGCLAW_CHANNELS_DINGTALK_DM_POLICY"           json:"dm_policy"`
	AllowFrom         FlexibleStringSlice `env:"DINGCLAW_CHANNELS_DINGTALK_ALLOW_FROM"          json:"allow_from"`
	GroupPolicy       string              `env:"DINGCLAW_CHANNELS_DINGTALK_GROUP_POLICY"        json:"group_policy"`
	GroupAllowFrom    FlexibleStringSlice `env:"DINGCLAW_CHANNELS_DINGTALK_GROUP_ALLOW_FROM"    json:"group_allow_from"`
	RequireMention    bool                `env:"DINGCLAW_CHANNELS_DINGTALK_REQUIRE_MENTION"     json:"require_mention"`
	EnableMediaUpload bool                `env:"DINGCLAW_CHANNELS_DINGTALK_ENABLE_MEDIA_UPLOAD" json:"enable_media_upload"`
	SystemPrompt      string              `env:"DINGCLAW_CHANNELS_DINGTALK_SYSTEM_PROMPT"       json:"system_prompt,omitempty"`
	Receiver          string              `env:"DINGCLAW_CHANNELS_DINGTALK_RECEIVER"            json:"receiver"`
	ReplyMode         string              `env:"DINGCLAW_CHANNELS_DINGTALK_REPLY_MODE"          json:"reply_mode"`
	CardTemplateID    string              `env:"DINGCLAW_CHANNELS_DINGTALK_CARD_TEMPLATE_ID"    json:"card_template_id"`
	ThrottleMS        int                 `env:"DINGCLAW_CHANNELS_DINGTALK_THROTTLE_MS"         json:"throttle_ms"`
	DisableCards      bool                `env:"DINGCLAW_CHANNELS_DINGTALK_DISABLE_CARDS"       json:"disable_cards,omitempty"`
}

// GatewayConfig locates the upstream agent.
type GatewayConfig struct {
	Provider string `env:"DINGCLAW_GATEWAY_PROVIDER" json:"provider"`
	URL      string `env:"DINGCLAW_GATEWAY_URL"      json:"url"`
	Token    string `env:"DINGCLAW_GATEWAY_TOKEN"    json:"token,omitempty"`
	Password string `env:"DINGCLAW_GATEWAY_PASSWORD" json:"password,omitempty"`
	Model    string `env:"DINGCLAW_GATEWAY_MODEL"    json:"model"`
	// MaxTokens only applies to the anthropic provider.
	MaxTokens int `env:"DINGCLAW_GATEWAY_MAX_TOKENS" json:"max_tokens,omitempty"`
}

// BearerToken returns the token if set, else the password.
func (g GatewayConfig) BearerToken() string {
	if g.Token != "" {
		return g.Token
	}
	return g.Password
}

type SessionConfig struct {
	TimeoutMinutes int    `env:"DINGCLAW_SESSION_TIMEOUT_MINUTES" json:"timeout_minutes"`
	SweepCron      string `env:"DINGCLAW_SESSION_SWEEP_CRON"      json:"sweep_cron,omitempty"`
}

// Timeout returns the idle session timeout.
func (s SessionConfig) Timeout() time.Duration {
	if s.TimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

type HistoryConfig struct {
	Backend     string `env:"DINGCLAW_HISTORY_BACKEND"      json:"backend"`
	RedisURL    string `env:"DINGCLAW_HISTORY_REDIS_URL"    json:"redis_url,omitempty"`
	MaxMessages int    `env:"DINGCLAW_HISTORY_MAX_MESSAGES" json:"max_messages"`
	TTLMinutes  int    `env:"DINGCLAW_HISTORY_TTL_MINUTES"  json:"ttl_minutes,omitempty"`
}

type HealthConfig struct {
	Enabled bool   `env:"DINGCLAW_HEALTH_ENABLED" json:"enabled"`
	Host    string `env:"DINGCLAW_HEALTH_HOST"    json:"host"`
	Port    int    `env:"DINGCLAW_HEALTH_PORT"    json:"port"`
	// EnableSend exposes POST /send for proactive messages on the same listener.
	EnableSend bool `env:"DINGCLAW_HEALTH_ENABLE_SEND" json:"enable_send"`
}

type LoggingConfig struct {
	Level  string `env:"DINGCLAW_LOGGING_LEVEL"  json:"level"`
	Format string `env:"DINGCLAW_LOGGING_FORMAT" json:"format"`
	File   string `env:"DINGCLAW_LOGGING_FILE"   json:"file,omitempty"`
}

// DefaultCardTemplateID is the streaming AI card template.
const DefaultCardTemplateID = "382e4302-551d-4880-bf29-a30acfab2e71.schema"

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			DingTalk: DingTalkConfig{
				Enabled:           true,
				DMPolicy:          DMPolicyOpen,
				AllowFrom:         FlexibleStringSlice{},
				GroupPolicy:       GroupPolicyOpen,
				GroupAllowFrom:    FlexibleStringSlice{},
				EnableMediaUpload: true,
				Receiver:          ReceiverNative,
				ReplyMode:         ReplyModeOpenAPI,
				CardTemplateID:    DefaultCardTemplateID,
				ThrottleMS:        300,
			},
		},
		Gateway: GatewayConfig{
			Provider: ProviderGateway,
			URL:      "http://127.0.0.1:18789",
			Model:    "default",
		},
		Session: SessionConfig{
			TimeoutMinutes: 30,
			SweepCron:      "*/5 * * * *",
		},
		History: HistoryConfig{
			Backend:     HistoryMemory,
			MaxMessages: 50,
			TTLMinutes:  24 * 60,
		},
		Health: HealthConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18790,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	cfg.Logging.File = expandHome(cfg.Logging.File)
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate reports configuration errors that must stop the bridge at startup.
func (c *Config) Validate() error {
	var errs []error
	dt := c.Channels.DingTalk

	if strings.TrimSpace(dt.ClientID) == "" || strings.TrimSpace(dt.ClientSecret) == "" {
		errs = append(errs, errors.New("channels.dingtalk: client_id and client_secret are required"))
	}
	switch dt.DMPolicy {
	case "", DMPolicyOpen, DMPolicyPairing, DMPolicyAllowlist:
	default:
		errs = append(errs, fmt.Errorf("channels.dingtalk.dm_policy: unknown value %q", dt.DMPolicy))
	}
	switch dt.GroupPolicy {
	case "", GroupPolicyOpen, GroupPolicyAllowlist, GroupPolicyDisabled:
	default:
		errs = append(errs, fmt.Errorf("channels.dingtalk.group_policy: unknown value %q", dt.GroupPolicy))
	}
	switch dt.Receiver {
	case "", ReceiverNative, ReceiverSDK:
	default:
		errs = append(errs, fmt.Errorf("channels.dingtalk.receiver: unknown value %q", dt.Receiver))
	}
	switch dt.ReplyMode {
	case "", ReplyModeOpenAPI, ReplyModeWebhook:
	default:
		errs = append(errs, fmt.Errorf("channels.dingtalk.reply_mode: unknown value %q", dt.ReplyMode))
	}
	if dt.ThrottleMS < 0 {
		errs = append(errs, errors.New("channels.dingtalk.throttle_ms must not be negative"))
	}

	switch c.Gateway.Provider {
	case "", ProviderGateway:
		if c.Gateway.URL == "" {
			errs = append(errs, errors.New("gateway.url is required"))
		}
	case ProviderAnthropic:
		if c.Gateway.BearerToken() == "" {
			errs = append(errs, errors.New("gateway.token is required for the anthropic provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.provider: unknown value %q", c.Gateway.Provider))
	}

	switch c.History.Backend {
	case "", HistoryMemory:
	case HistoryRedis:
		if c.History.RedisURL == "" {
			errs = append(errs, errors.New("history.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend: unknown value %q", c.History.Backend))
	}

	if expr := c.Session.SweepCron; expr != "" && !gronx.New().IsValid(expr) {
		errs = append(errs, fmt.Errorf("session.sweep_cron: invalid expression %q", expr))
	}

	return errors.Join(errs...)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
