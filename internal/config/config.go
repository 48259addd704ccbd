// Package config loads settings from .env, an optional YAML file and the
// environment, in that order of increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds settings for both the server and the client binaries.
type Config struct {
	// Server side.
	Addr      string `yaml:"addr"`
	DBDSN     string `yaml:"db_dsn"`
	JWTSecret string `yaml:"jwt_secret"`
	RedisAddr string `yaml:"redis_addr"`

	// Client side.
	ServerURL         string        `yaml:"server_url"`
	PushURL           string        `yaml:"push_url"`
	MediaBaseURL      string        `yaml:"media_base_url"`
	PendingTimeout    time.Duration `yaml:"pending_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Addr:              ":8080",
		RedisAddr:         "localhost:6379",
		ServerURL:         "http://localhost:8080",
		MediaBaseURL:      "http://localhost:8080/media",
		PendingTimeout:    30 * time.Second,
		ReconcileInterval: time.Minute,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load reads .env (if present), then path (if not empty), then environment
// overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.PushURL == "" {
		cfg.PushURL = PushURLFor(cfg.ServerURL)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"DB_DSN":                  &cfg.DBDSN,
		"JWT_SECRET":              &cfg.JWTSecret,
		"REDIS_ADDR":              &cfg.RedisAddr,
		"CHATSYNC_ADDR":           &cfg.Addr,
		"CHATSYNC_SERVER_URL":     &cfg.ServerURL,
		"CHATSYNC_PUSH_URL":       &cfg.PushURL,
		"CHATSYNC_MEDIA_BASE_URL": &cfg.MediaBaseURL,
		"CHATSYNC_LOG_LEVEL":      &cfg.LogLevel,
		"CHATSYNC_LOG_FORMAT":     &cfg.LogFormat,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	dur := map[string]*time.Duration{
		"CHATSYNC_PENDING_TIMEOUT":    &cfg.PendingTimeout,
		"CHATSYNC_RECONCILE_INTERVAL": &cfg.ReconcileInterval,
	}
	for key, dst := range dur {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// PushURLFor derives the websocket endpoint from the REST base URL.
func PushURLFor(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// ValidateServer checks the settings the server cannot start without.
func (c Config) ValidateServer() error {
	if c.DBDSN == "" {
		return errors.New("DB_DSN is not set")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	return nil
}

// ValidateClient checks the settings the client cannot start without.
func (c Config) ValidateClient() error {
	if c.ServerURL == "" {
		return errors.New("server url is not set")
	}
	if c.PendingTimeout < 0 {
		return fmt.Errorf("pending timeout must not be negative, got %s", c.PendingTimeout)
	}
	return nil
}
