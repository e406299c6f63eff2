package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "FEEDSYNC"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "feedsync.db"
	defaultLogLevel      = "info"
	defaultRemoteURL     = "wss://cache2.primal.net/v1"
	defaultRemoteTimeout = 15 * time.Second
	defaultRatePerSecond = 5.0
	defaultPageSize      = 50
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
	defaultSeenDebounce  = 500 * time.Millisecond
	defaultBadgeInterval = 30 * time.Second
	defaultTokenTTL      = 12 * time.Hour
)

// AppConfig captures runtime configuration for the sync service and CLI.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	RemoteURL           string
	RemoteTimeout       time.Duration
	RemoteRatePerSecond float64
	UserPubkey          string
	PageSize            int
	RetryAttempts       int
	RetryDelay          time.Duration
	SeenDebounce        time.Duration
	BadgeInterval       time.Duration
	RedisAddress        string
	AuthSigningSecret   string
	AuthTokenTTL        time.Duration
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
	configViper.SetDefault("remote.url", defaultRemoteURL)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.rate_per_second", defaultRatePerSecond)
	configViper.SetDefault("user.pubkey", "")
	configViper.SetDefault("paging.page_size", defaultPageSize)
	configViper.SetDefault("paging.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("paging.retry_delay", defaultRetryDelay)
	configViper.SetDefault("seen.debounce", defaultSeenDebounce)
	configViper.SetDefault("badges.interval", defaultBadgeInterval)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		RemoteURL:           configViper.GetString("remote.url"),
		RemoteTimeout:       configViper.GetDuration("remote.timeout"),
		RemoteRatePerSecond: configViper.GetFloat64("remote.rate_per_second"),
		UserPubkey:          strings.TrimSpace(configViper.GetString("user.pubkey")),
		PageSize:            configViper.GetInt("paging.page_size"),
		RetryAttempts:       configViper.GetInt("paging.retry_attempts"),
		RetryDelay:          configViper.GetDuration("paging.retry_delay"),
		SeenDebounce:        configViper.GetDuration("seen.debounce"),
		BadgeInterval:       configViper.GetDuration("badges.interval"),
		RedisAddress:        strings.TrimSpace(configViper.GetString("redis.address")),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthTokenTTL:        configViper.GetDuration("auth.token_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSigningSecret reports an error when API tokens cannot be issued or checked.
func (c AppConfig) RequireSigningSecret() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return nil
}

// RequireUser reports an error when no user pubkey is configured.
func (c AppConfig) RequireUser() error {
	if c.UserPubkey == "" {
		return fmt.Errorf("user.pubkey is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteURL) == "" {
		return fmt.Errorf("remote.url is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("paging.page_size must be positive")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("paging.retry_attempts must be positive")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("paging.retry_delay must not be negative")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}
