package transport

import (
	"context"
	"errors"
)

// ErrNotStarted is returned by adapters asked to send before Start.
var ErrNotStarted = errors.New("transport: adapter not started")

// Channel is a resolved, sendable chat destination.
type Channel struct {
	ID    int64
	Title string
}

// Name returns a display name for logs.
func (c Channel) Name() string {
	if c.Title != "" {
		return c.Title
	}
	return "unnamed"
}

// Publisher is a connected chat-platform client.
//
// Resolve looks the handle up in the adapter's channel cache and reports
// false when the channel is unknown or not accessible to the bot.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Resolve(ctx context.Context, channelID int64) (Channel, bool)
	Send(ctx context.Context, to Channel, text string) error

	// Healthy reports whether the platform connection is currently serviced.
	Healthy() bool
}
