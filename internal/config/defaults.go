package config

import (
	"fmt"
	"strings"

	logx "feedbot/pkg/logx"
)

func applyDefaults(cfg *Config) {
	f := &cfg.Feed
	if strings.TrimSpace(f.Driver) == "" {
		f.Driver = "postgres"
	}
	if strings.TrimSpace(f.Schema) == "" {
		f.Schema = "public"
	}
	if strings.TrimSpace(f.Table) == "" {
		f.Table = "feedings"
	}
	if strings.TrimSpace(f.Operation) == "" {
		f.Operation = "INSERT"
	}
	if strings.TrimSpace(f.ReconnectMin) == "" {
		f.ReconnectMin = "500ms"
	}
	if strings.TrimSpace(f.ReconnectMax) == "" {
		f.ReconnectMax = "30s"
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Chat.ChannelID == 0 {
		cfg.Logging.Chat.ChannelID = cfg.Chat.ChannelID
	}
	if strings.TrimSpace(cfg.Liveness.Interval) == "" {
		cfg.Liveness.Interval = "1s"
	}
}

// Validate checks required fields and duration syntax.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Chat.Token) == "" {
		return ErrMissingToken
	}
	if cfg.Chat.ChannelID == 0 {
		return ErrMissingChannelID
	}
	if strings.TrimSpace(cfg.Feed.URL) == "" {
		return ErrMissingFeedURL
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Chat.MinLevel) {
		return fmt.Errorf("logging.chat.min_level: unknown level %q", cfg.Logging.Chat.MinLevel)
	}
	for i, m := range cfg.Messages {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("messages[%d]: empty message", i)
		}
	}

	_, err := cfg.Durations()
	return err
}

// LogxConfig converts the logging section for logx.Service.
func (c *Config) LogxConfig() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChannelID:  l.Chat.ChannelID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}
