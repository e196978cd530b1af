package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "BRIEFS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "slack.bot_token", typ: kString, env: "BRIEFS_SLACK_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Slack.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Slack.BotToken },
	},
	{
		key: "slack.signing_secret", typ: kString, env: "BRIEFS_SLACK_SIGNING_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Slack.SigningSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Slack.SigningSecret },
	},
	{
		key: "slack.channel_name", typ: kString, env: "BRIEFS_SLACK_CHANNEL_NAME",
		apply:   func(cfg *Config, v any) { cfg.Slack.ChannelName = v.(string) },
		extract: func(cfg Config) any { return cfg.Slack.ChannelName },
	},
	{
		key: "slack.skip_verify", typ: kBool, env: "BRIEFS_SLACK_SKIP_VERIFY",
		apply:   func(cfg *Config, v any) { cfg.Slack.SkipVerify = v.(bool) },
		extract: func(cfg Config) any { return cfg.Slack.SkipVerify },
	},
	{
		key: "openai.api_key", typ: kString, env: "BRIEFS_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "BRIEFS_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.model", typ: kString, env: "BRIEFS_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Model },
	},
	{
		key: "chat.peer_id", typ: kInt, env: "BRIEFS_CHAT_PEER_ID",
		apply:   func(cfg *Config, v any) { cfg.Chat.PeerID = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Chat.PeerID },
	},
	{
		key: "summary.timezone", typ: kString, env: "BRIEFS_SUMMARY_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Summary.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Summary.Timezone },
	},
	{
		key: "summary.fallback_hours", typ: kInt, env: "BRIEFS_SUMMARY_FALLBACK_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Summary.FallbackHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Summary.FallbackHours },
	},
	{
		key: "summary.search_limit", typ: kInt, env: "BRIEFS_SUMMARY_SEARCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Summary.SearchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Summary.SearchLimit },
	},
	{
		key: "summary.style_file", typ: kString, env: "BRIEFS_SUMMARY_STYLE_FILE",
		apply:   func(cfg *Config, v any) { cfg.Summary.StyleFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Summary.StyleFile },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BRIEFS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "BRIEFS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
