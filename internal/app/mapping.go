package app

import (
	"strings"

	"feedbot/internal/config"
	"feedbot/internal/feed"
	"feedbot/internal/messages"
	telegram "feedbot/internal/transport/telegram/adapter"
)

func mapFeedConfig(cfg *config.Config, d config.Durations) (feed.Config, feed.Filter) {
	fc := cfg.Feed
	conn := feed.Config{
		Driver:         strings.TrimSpace(fc.Driver),
		URL:            strings.TrimSpace(fc.URL),
		Key:            fc.Key,
		NotifyChannel:  strings.TrimSpace(fc.NotifyChannel),
		InstallTrigger: fc.TriggerEnabled(),
		Subject:        strings.TrimSpace(fc.Subject),
		ReconnectMin:   d.ReconnectMin,
		ReconnectMax:   d.ReconnectMax,
	}
	filter := feed.Filter{Operation: fc.Operation, Schema: fc.Schema, Table: fc.Table}
	return conn, filter
}

func mapAdapterConfig(cfg *config.Config, d config.Durations) telegram.Config {
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Chat.Token),
		PollTimeout: d.PollTimeout,
		APIURL:      strings.TrimSpace(cfg.Chat.APIURL),
	}
}

// buildPool uses the configured messages, or the built-in ones when none are set.
func buildPool(cfg *config.Config) (messages.Pool, error) {
	if len(cfg.Messages) > 0 {
		return messages.New(cfg.Messages)
	}
	return messages.New(messages.Default())
}
