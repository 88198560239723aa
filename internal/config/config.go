package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "NOUS"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "nous.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultIssuer            = "nous"
	defaultAudience          = "nous-api"
	defaultTokenTTL          = 30 * 24 * time.Hour
	defaultPushTimezone      = "Europe/Paris"
	defaultClientStorePath   = "nous-client.db"
	defaultClientFlushPeriod = 30 * time.Second
)

// AppConfig captures runtime configuration for the data service.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	CookieName     string
	AllowedOrigins []string
	PushTimezone   *time.Location
	LogLevel       string
	LogFormat      string
}

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	ServerURL     string
	Token         string
	StorePath     string
	FlushInterval time.Duration
	LogLevel      string
	LogFormat     string
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
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.cookie_name", "")
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("push.timezone", defaultPushTimezone)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("client.store_path", defaultClientStorePath)
	configViper.SetDefault("client.flush_interval", defaultClientFlushPeriod)
}

// Load parses the data service configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("push.timezone")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("push.timezone is invalid: %w", err)
	}
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		Audience:       configViper.GetString("auth.audience"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		AllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
		PushTimezone:   location,
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// LoadClient parses the sync client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:     strings.TrimSpace(configViper.GetString("client.server_url")),
		Token:         strings.TrimSpace(configViper.GetString("client.token")),
		StorePath:     configViper.GetString("client.store_path"),
		FlushInterval: configViper.GetDuration("client.flush_interval"),
		LogLevel:      configViper.GetString("log.level"),
		LogFormat:     configViper.GetString("log.format"),
	}
	if cfg.ServerURL == "" {
		return ClientConfig{}, fmt.Errorf("client.server_url is required")
	}
	if cfg.Token == "" {
		return ClientConfig{}, fmt.Errorf("client.token is required")
	}
	if strings.TrimSpace(cfg.StorePath) == "" {
		return ClientConfig{}, fmt.Errorf("client.store_path is required")
	}
	if cfg.FlushInterval <= 0 {
		return ClientConfig{}, fmt.Errorf("client.flush_interval must be positive")
	}
	return cfg, nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
