package config

import "errors"

var (
	ErrMissingToken     = errors.New("config: chat token is required (BOT_TOKEN)")
	ErrMissingChannelID = errors.New("config: channel id is required (CHANNEL_ID)")
	ErrMissingFeedURL   = errors.New("config: feed url is required (FEED_URL)")
)

// Config is the whole process configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (chat.token, feed.key) are normally supplied through the
// environment and never logged.
type Config struct {
	Chat     ChatConfig     `json:"chat"`
	Feed     FeedConfig     `json:"feed"`
	Logging  LoggingConfig  `json:"logging"`
	Liveness LivenessConfig `json:"liveness"`

	// Messages overrides the built-in message pool when non-empty.
	Messages []string `json:"messages,omitempty"`
}

type ChatConfig struct {
	Token       string `json:"token,omitempty"`
	ChannelID   int64  `json:"channel_id"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
}

// FeedConfig selects and configures the change-feed driver.
//
// Defaults (when fields are omitted/zero):
//   - driver: "postgres"
//   - schema/table/operation: "public" / "feedings" / "INSERT"
//   - install_trigger: true (postgres only)
//   - reconnect_min/reconnect_max: "500ms" / "30s"
type FeedConfig struct {
	Driver string `json:"driver,omitempty"`
	URL    string `json:"url,omitempty"`
	Key    string `json:"key,omitempty"`

	Schema    string `json:"schema,omitempty"`
	Table     string `json:"table,omitempty"`
	Operation string `json:"operation,omitempty"`

	NotifyChannel  string `json:"notify_channel,omitempty"`
	InstallTrigger *bool  `json:"install_trigger,omitempty"`
	Subject        string `json:"subject,omitempty"`

	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	Chat    LogChatConfig `json:"chat"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogChatConfig mirrors log lines into a chat channel. A zero channel_id
// falls back to chat.channel_id.
type LogChatConfig struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  int64  `json:"channel_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type LivenessConfig struct {
	Interval string `json:"interval,omitempty"`
}

// TriggerEnabled reports whether the postgres driver should install its
// notify trigger.
func (f FeedConfig) TriggerEnabled() bool {
	return f.InstallTrigger == nil || *f.InstallTrigger
}
