package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	logx "feedbot/pkg/logx"
)

// natsSubscriber reads JSON events from a core NATS subject. Reconnects are
// handled by the client library.
type natsSubscriber struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	sub    *nats.Subscription
	closed bool
}

func newNATS(cfg Config, log logx.Logger) *natsSubscriber {
	return &natsSubscriber{cfg: cfg, log: log.With(logx.String("driver", "nats"))}
}

// subject defaults to feed.<schema>.<table>.
func (s *natsSubscriber) subject(f Filter) string {
	if subj := strings.TrimSpace(s.cfg.Subject); subj != "" {
		return subj
	}
	return "feed." + f.Schema + "." + f.Table
}

func (s *natsSubscriber) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.conn.IsConnected()
}

func (s *natsSubscriber) Subscribe(ctx context.Context, f Filter, h Handler) error {
	if h == nil {
		return errors.New("feed: nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.conn != nil {
		return errors.New("feed: already subscribed")
	}

	wait := s.cfg.ReconnectMin
	if wait <= 0 {
		wait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name("feedbot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.log.Warn("change feed disconnected", logx.Err(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.log.Info("change feed reconnected", logx.String("url", c.ConnectedUrlRedacted()))
		}),
	}
	if s.cfg.Key != "" {
		opts = append(opts, nats.Token(s.cfg.Key))
	}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(dl)))
	}

	nc, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}

	subj := s.subject(f)
	sub, err := nc.Subscribe(subj, func(m *nats.Msg) {
		dispatch(s.log, f, h, m.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", subj, err)
	}
	// Round-trip so the server has registered interest before we report success.
	if _, ok := ctx.Deadline(); ok {
		err = nc.FlushWithContext(ctx)
	} else {
		err = nc.FlushTimeout(5 * time.Second)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("flush subscription: %w", err)
	}

	s.conn, s.sub = nc, sub
	s.log.Info("subscribed to change feed", logx.String("filter", f.String()), logx.String("subject", subj))
	return nil
}

func (s *natsSubscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	nc, sub := s.conn, s.sub
	s.conn, s.sub = nil, nil
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
	}
	return nil
}
