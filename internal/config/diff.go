package config

import (
	"reflect"

	logx "feedbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections, safe structured
// attrs for logging (never secrets), and whether any changed section needs a
// restart to take effect. Only logging is applied live.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 8)
	restart := false

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Chat != newCfg.Chat {
		changed = append(changed, "chat")
		attrs = append(attrs, logx.Int64("chat.channel_id", newCfg.Chat.ChannelID))
		restart = true
	}
	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		changed = append(changed, "feed")
		attrs = append(attrs, logx.String("feed.driver", newCfg.Feed.Driver))
		restart = true
	}
	if oldCfg.Liveness != newCfg.Liveness {
		changed = append(changed, "liveness")
		restart = true
	}
	if !reflect.DeepEqual(oldCfg.Messages, newCfg.Messages) {
		changed = append(changed, "messages")
		attrs = append(attrs, logx.Int("messages.count", len(newCfg.Messages)))
		restart = true
	}
	return changed, attrs, restart
}
