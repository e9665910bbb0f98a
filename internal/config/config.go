package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the relay, loaded from environment
// variables.
type Config struct {
	AppEnv   string
	AppName  string
	LogLevel string

	HTTPAddr    string
	MetricsAddr string
	RelayPath   string

	SessionCookie string
	SessionSecret string
	SessionTTL    time.Duration

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	GithubClientID     string
	GithubClientSecret string
	GithubAPIURL       string
	OAuthCallbackURL   string

	DeliveryURL     string
	AppRepoHooksURL string
	AppRepoToken    string
	AppHookSecret   string
	UserHookSecret  string
}

// Load returns configuration from environment variables with sane defaults.
// Secrets that authentication depends on have no defaults and must be set.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:             os.Getenv("APP_ENV"),
		AppName:            os.Getenv("APP_NAME"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		HTTPAddr:           os.Getenv("HTTP_ADDR"),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
		RelayPath:          os.Getenv("RELAY_PATH"),
		SessionCookie:      os.Getenv("SESSION_COOKIE"),
		SessionSecret:      os.Getenv("SESSION_SECRET"),
		RedisHost:          os.Getenv("REDIS_HOST"),
		RedisPort:          os.Getenv("REDIS_PORT"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		GithubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		GithubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		GithubAPIURL:       os.Getenv("GITHUB_API_URL"),
		OAuthCallbackURL:   os.Getenv("OAUTH_CALLBACK_URL"),
		DeliveryURL:        os.Getenv("DELIVERY_URL"),
		AppRepoHooksURL:    os.Getenv("APP_REPO_HOOKS_URL"),
		AppRepoToken:       os.Getenv("APP_REPO_TOKEN"),
		AppHookSecret:      os.Getenv("APP_HOOK_SECRET"),
		UserHookSecret:     os.Getenv("USER_HOOK_SECRET"),
	}

	if cfg.AppName == "" {
		cfg.AppName = "reporelay"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.RelayPath == "" {
		cfg.RelayPath = "/websock"
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "relay.sid"
	}
	if cfg.RedisHost == "" {
		cfg.RedisHost = "localhost"
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}
	if cfg.GithubAPIURL == "" {
		cfg.GithubAPIURL = "https://api.github.com"
	}

	var err error
	cfg.SessionTTL, err = parseDuration("SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB, err = parseInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisPoolSize, err = parseInt("REDIS_POOL_SIZE", 10)
	if err != nil {
		return nil, err
	}
	cfg.RedisMinIdleConns, err = parseInt("REDIS_MIN_IDLE_CONNS", 2)
	if err != nil {
		return nil, err
	}
	cfg.RedisMaxRetries, err = parseInt("REDIS_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	for _, required := range []struct{ key, val string }{
		{"SESSION_SECRET", cfg.SessionSecret},
		{"APP_HOOK_SECRET", cfg.AppHookSecret},
		{"USER_HOOK_SECRET", cfg.UserHookSecret},
	} {
		if required.val == "" {
			return nil, fmt.Errorf("required environment variable %s is not set", required.key)
		}
	}

	return cfg, nil
}

func parseInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
