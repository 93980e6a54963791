package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "ARENA"
	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabasePath          = "arena.db"
	defaultLogLevel              = "info"
	defaultRealtimeChannelPrefix = "rank-session"
	defaultWebhookTimeoutSeconds = 5
	defaultAuthIssuer            = "arena-auth"
	defaultAuthAudience          = "arena-api"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress           string
	DatabasePath          string
	LogLevel              string
	AuthSigningSecret     string
	AuthIssuer            string
	AuthAudience          string
	RealtimeChannelPrefix string
	WebhookURL            string
	WebhookAuthHeader     string
	WebhookTimeout        time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("realtime.channel_prefix", defaultRealtimeChannelPrefix)
	configViper.SetDefault("webhook.timeout_seconds", defaultWebhookTimeoutSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		AuthSigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:            configViper.GetString("auth.issuer"),
		AuthAudience:          configViper.GetString("auth.audience"),
		RealtimeChannelPrefix: configViper.GetString("realtime.channel_prefix"),
		WebhookURL:            configViper.GetString("webhook.url"),
		WebhookAuthHeader:     configViper.GetString("webhook.auth_header"),
		WebhookTimeout:        time.Duration(configViper.GetInt("webhook.timeout_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RealtimeChannelPrefix) == "" {
		return fmt.Errorf("realtime.channel_prefix is required")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("webhook.timeout_seconds must be positive")
	}
	return nil
}
