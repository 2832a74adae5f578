package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	maxPollInterval = 100 * time.Millisecond
	appDirName      = "mrstream"
)

type Config struct {
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	CredentialStore    string `env:"CREDENTIAL_STORE" default:"file"`
	CredentialFile     string `env:"CREDENTIAL_FILE"`
	DatabaseURL        string `env:"DATABASE_URL"`
	RedisURL           string `env:"REDIS_URL"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`
	NginxPushFile      string `env:"NGINX_PUSH_FILE"`

	ObserverHost           string        `env:"OBSERVER_HOST" default:"127.0.0.1"`
	ObserverPort           string        `env:"OBSERVER_PORT" default:"8765"`
	ObserverPollInterval   time.Duration `env:"OBSERVER_POLL_INTERVAL" default:"50ms"`
	ObserverQueueSize      int           `env:"OBSERVER_QUEUE_SIZE" default:"256"`
	ObserverAllowedOrigins []string      `env:"OBSERVER_ALLOWED_ORIGINS"`

	TwitchRedirectURI string `env:"TWITCH_REDIRECT_URI" default:"http://localhost:17563"`
	TwitchAuthURL     string `env:"TWITCH_AUTH_URL" default:"https://id.twitch.tv/oauth2"`
	TwitchAPIURL      string `env:"TWITCH_API_URL" default:"https://api.twitch.tv/helix"`
	TwitchEventSubURL string `env:"TWITCH_EVENTSUB_URL" default:"wss://eventsub.wss.twitch.tv/ws"`
	TwitchIngestURL   string `env:"TWITCH_INGEST_URL" default:"https://ingest.twitch.tv/ingests"`

	AuthTimeout               time.Duration `env:"AUTH_TIMEOUT" default:"5m"`
	SessionRevalidateInterval time.Duration `env:"SESSION_REVALIDATE_INTERVAL" default:"1h"`

	ChatRatePerSecond float64 `env:"CHAT_RATE_PER_SECOND" default:"0.66"`
	ChatRateBurst     int     `env:"CHAT_RATE_BURST" default:"20"`
}

// ObserverAddr is the listen address of the local observer server.
func (c *Config) ObserverAddr() string {
	return c.ObserverHost + ":" + c.ObserverPort
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := applyPathDefaults(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyPathDefaults(cfg *Config) error {
	if cfg.CredentialFile != "" && cfg.NginxPushFile != "" {
		return nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("failed to resolve user config dir: %w", err)
	}

	if cfg.CredentialFile == "" {
		cfg.CredentialFile = filepath.Join(dir, appDirName, "credentials.json")
	}
	if cfg.NginxPushFile == "" {
		cfg.NginxPushFile = filepath.Join(dir, appDirName, "nginx.conf")
	}
	return nil
}

func validate(cfg *Config) error {
	switch cfg.CredentialStore {
	case StoreFile:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when CREDENTIAL_STORE=postgres")
		}
	case StoreRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when CREDENTIAL_STORE=redis")
		}
	default:
		return fmt.Errorf("CREDENTIAL_STORE must be one of file, postgres, redis, got %q", cfg.CredentialStore)
	}

	if cfg.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	if cfg.ObserverPollInterval <= 0 || cfg.ObserverPollInterval > maxPollInterval {
		return fmt.Errorf("OBSERVER_POLL_INTERVAL must be between 1ns and %v, got %v", maxPollInterval, cfg.ObserverPollInterval)
	}
	if cfg.ObserverQueueSize < 1 {
		return errors.New("OBSERVER_QUEUE_SIZE must be positive")
	}

	redirect, err := url.Parse(cfg.TwitchRedirectURI)
	if err != nil || redirect.Host == "" {
		return fmt.Errorf("TWITCH_REDIRECT_URI must be an absolute URL, got %q", cfg.TwitchRedirectURI)
	}
	if host := redirect.Hostname(); host != "localhost" && host != "127.0.0.1" {
		return fmt.Errorf("TWITCH_REDIRECT_URI must point at localhost, got %q", host)
	}

	if !strings.HasPrefix(cfg.TwitchEventSubURL, "ws://") && !strings.HasPrefix(cfg.TwitchEventSubURL, "wss://") {
		return fmt.Errorf("TWITCH_EVENTSUB_URL must be a websocket URL, got %q", cfg.TwitchEventSubURL)
	}

	if cfg.AuthTimeout <= 0 {
		return errors.New("AUTH_TIMEOUT must be positive")
	}
	if cfg.SessionRevalidateInterval <= 0 {
		return errors.New("SESSION_REVALIDATE_INTERVAL must be positive")
	}
	if cfg.ChatRatePerSecond <= 0 || cfg.ChatRateBurst < 1 {
		return errors.New("CHAT_RATE_PER_SECOND and CHAT_RATE_BURST must be positive")
	}

	return nil
}
