package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envOverlay lists the environment variables that override file values.
// Unset variables leave the file value untouched.
type envOverlay struct {
	ChannelID  *int64 `envconfig:"CHANNEL_ID"`
	BotToken   string `envconfig:"BOT_TOKEN"`
	FeedURL    string `envconfig:"FEED_URL"`
	FeedKey    string `envconfig:"FEED_KEY"`
	FeedDriver string `envconfig:"FEED_DRIVER"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are ignored; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var ov envOverlay
	if err := envconfig.Process("", &ov); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if ov.ChannelID != nil {
		cfg.Chat.ChannelID = *ov.ChannelID
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Chat.Token, ov.BotToken)
	set(&cfg.Feed.URL, ov.FeedURL)
	set(&cfg.Feed.Key, ov.FeedKey)
	set(&cfg.Feed.Driver, ov.FeedDriver)
	set(&cfg.Logging.Level, ov.LogLevel)
	return nil
}
