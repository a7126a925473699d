package feed

import (
	"fmt"
	"strings"
	"time"

	logx "feedbot/pkg/logx"
)

// Config configures the change-feed connection.
//
// Driver values:
//   - "postgres": LISTEN/NOTIFY on a Postgres database (URL is a DSN, Key the password)
//   - "nats": core NATS subject carrying JSON events (URL is the server, Key a token)
type Config struct {
	Driver string
	URL    string
	Key    string

	// postgres
	NotifyChannel  string
	InstallTrigger bool

	// nats
	Subject string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Open returns the configured subscriber. It does not connect; Subscribe does.
func Open(cfg Config, log logx.Logger) (Subscriber, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("feed: url is required")
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "postgres", "postgresql", "pg":
		return newPostgres(cfg, log), nil
	case "nats":
		return newNATS(cfg, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
