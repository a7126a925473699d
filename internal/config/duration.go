package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations holds the parsed duration fields of a Config. Zero means "use
// the component default".
type Durations struct {
	PollTimeout      time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	LivenessInterval time.Duration
}

// Durations parses every duration field, naming the offending key on error.
func (c *Config) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"chat.poll_timeout", c.Chat.PollTimeout, &d.PollTimeout},
		{"feed.reconnect_min", c.Feed.ReconnectMin, &d.ReconnectMin},
		{"feed.reconnect_max", c.Feed.ReconnectMax, &d.ReconnectMax},
		{"liveness.interval", c.Liveness.Interval, &d.LivenessInterval},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDurationField(f.path, f.raw); err != nil {
			return Durations{}, err
		}
	}
	if d.ReconnectMax > 0 && d.ReconnectMin > d.ReconnectMax {
		return Durations{}, fmt.Errorf("feed.reconnect_min (%s) exceeds feed.reconnect_max (%s)", d.ReconnectMin, d.ReconnectMax)
	}
	return d, nil
}

// ParseDurationField parses a non-negative duration; empty is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
