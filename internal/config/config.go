// Package config loads service configuration from the platform-native
// backend, environment variables, and the platform secret store.
package config

import (
	"fmt"
	"strings"
	"time"
)

const keychainService = "briefs"

type Config struct {
	Server  ServerConfig
	Slack   SlackConfig
	OpenAI  OpenAIConfig
	Chat    ChatConfig
	Summary SummaryConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type SlackConfig struct {
	BotToken      string
	SigningSecret string
	ChannelName   string
	SkipVerify    bool
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// ChatConfig identifies the one-on-one conversation being briefed.
type ChatConfig struct {
	PeerID int64
}

type SummaryConfig struct {
	Timezone      string
	FallbackHours int
	SearchLimit   int
	StyleFile     string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Summary: SummaryConfig{
			Timezone:      "Australia/Brisbane",
			FallbackHours: 48,
			SearchLimit:   200,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.briefs.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/briefs/config.json
// and secrets fall back to $XDG_DATA_HOME/briefs/secrets.json.
//
// Environment variables (BRIEFS_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets absent from the environment fall back to the platform store.
	if cfg.OpenAI.APIKey == "" {
		if key, err := kc.Get(keychainService, "openai_api_key"); err == nil && key != "" {
			cfg.OpenAI.APIKey = key
		}
	}
	if cfg.Slack.BotToken == "" {
		if token, err := kc.Get(keychainService, "slack_bot_token"); err == nil && token != "" {
			cfg.Slack.BotToken = token
		}
	}
	if cfg.Slack.SigningSecret == "" {
		if secret, err := kc.Get(keychainService, "slack_signing_secret"); err == nil && secret != "" {
			cfg.Slack.SigningSecret = secret
		}
	}

	if cfg.OpenAI.APIKey == "" {
		msg := "missing required config: OpenAI API key. " +
			"Set it via environment variable BRIEFS_OPENAI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if _, err := time.LoadLocation(cfg.Summary.Timezone); err != nil {
		return Config{}, fmt.Errorf("invalid summary.timezone %q: %w", cfg.Summary.Timezone, err)
	}

	return cfg, nil
}

// Location resolves the configured summary timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Summary.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
