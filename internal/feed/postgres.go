package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	rtsup "feedbot/internal/runtime/supervisor"
	logx "feedbot/pkg/logx"
)

const defaultNotifyChannel = "feed_changes"

// pgSubscriber turns Postgres LISTEN/NOTIFY into change events. Rows reach the
// notify channel through the trigger installed by triggerStatements.
type pgSubscriber struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	pool    *pgxpool.Pool
	sup     *rtsup.Supervisor
	closed  bool
	healthy atomic.Bool
}

func newPostgres(cfg Config, log logx.Logger) *pgSubscriber {
	if strings.TrimSpace(cfg.NotifyChannel) == "" {
		cfg.NotifyChannel = defaultNotifyChannel
	}
	return &pgSubscriber{cfg: cfg, log: log.With(logx.String("driver", "postgres"))}
}

func (s *pgSubscriber) Healthy() bool { return s.healthy.Load() }

func (s *pgSubscriber) Subscribe(ctx context.Context, f Filter, h Handler) error {
	if h == nil {
		return errors.New("feed: nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.pool != nil {
		return errors.New("feed: already subscribed")
	}

	pcfg, err := pgxpool.ParseConfig(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse feed url: %w", err)
	}
	if s.cfg.Key != "" {
		pcfg.ConnConfig.Password = s.cfg.Key
	}
	// One long-lived LISTEN connection plus room for the trigger install.
	pcfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping feed: %w", err)
	}

	if s.cfg.InstallTrigger {
		stmts, err := triggerStatements(f, s.cfg.NotifyChannel)
		if err != nil {
			pool.Close()
			return err
		}
		for _, q := range stmts {
			if _, err := pool.Exec(ctx, q); err != nil {
				pool.Close()
				return fmt.Errorf("install change trigger: %w", err)
			}
		}
		s.log.Info("change trigger installed", logx.String("filter", f.String()))
	}

	listen := func(c context.Context) (notifyConn, error) { return s.listen(c, pool) }
	first, err := listen(ctx)
	if err != nil {
		pool.Close()
		return err
	}

	s.pool = pool
	s.startReceiver(ctx, f, h, first, listen)
	s.log.Info("subscribed to change feed", logx.String("filter", f.String()), logx.String("channel", s.cfg.NotifyChannel))
	return nil
}

// notifyConn is the part of a pooled connection the receive loop uses.
type notifyConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	// Close drops the connection so it is not returned to the pool.
	Close(ctx context.Context) error
	Release()
}

type pooledConn struct{ c *pgxpool.Conn }

func (p pooledConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return p.c.Conn().WaitForNotification(ctx)
}
func (p pooledConn) Close(ctx context.Context) error { return p.c.Conn().Close(ctx) }
func (p pooledConn) Release() { p.c.Release() }

// startReceiver runs the receive loop on first and, after a lost
// connection, on fresh connections from listen with jittered backoff.
func (s *pgSubscriber) startReceiver(ctx context.Context, f Filter, h Handler, first notifyConn,
	listen func(context.Context) (notifyConn, error)) {
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.healthy.Store(true)

	minB, maxB := s.cfg.ReconnectMin, s.cfg.ReconnectMax
	if minB <= 0 {
		minB = 500 * time.Millisecond
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}

	s.sup.GoRestart("feed.postgres.receive", func(c context.Context) error {
		conn := first
		first = nil
		if conn == nil {
			var err error
			if conn, err = listen(c); err != nil {
				return err
			}
			s.healthy.Store(true)
			s.log.Info("change feed reconnected", logx.String("channel", s.cfg.NotifyChannel))
		}
		return s.receive(c, conn, f, h)
	}, rtsup.WithRestartBackoff(minB, maxB), rtsup.WithStopOnCleanExit(false))
}

// listen acquires a dedicated connection and issues LISTEN on it.
func (s *pgSubscriber) listen(ctx context.Context, pool *pgxpool.Pool) (notifyConn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire feed connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.cfg.NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", s.cfg.NotifyChannel, err)
	}
	return pooledConn{c: conn}, nil
}

func (s *pgSubscriber) receive(ctx context.Context, conn notifyConn, f Filter, h Handler) error {
	defer conn.Release()
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.healthy.Store(false)
			s.log.Warn("change feed connection lost", logx.Err(err))
			// Drop the broken connection instead of returning it to the pool.
			cctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = conn.Close(cctx)
			cancel()
			return err
		}
		dispatch(s.log, f, h, []byte(n.Payload))
	}
}

func (s *pgSubscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	sup, pool := s.sup, s.pool
	s.sup, s.pool = nil, nil
	s.mu.Unlock()

	s.healthy.Store(false)
	if sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sup.Stop(ctx)
		cancel()
	}
	if pool != nil {
		pool.Close()
	}
	return nil
}

// triggerStatements returns the SQL that publishes f's row changes as JSON on
// the notify channel.
func triggerStatements(f Filter, channel string) ([]string, error) {
	op := strings.ToUpper(strings.TrimSpace(f.Operation))
	switch op {
	case "INSERT", "UPDATE", "DELETE":
	default:
		return nil, fmt.Errorf("feed: trigger operation must be INSERT, UPDATE or DELETE, got %q", f.Operation)
	}
	if strings.TrimSpace(f.Schema) == "" || strings.TrimSpace(f.Table) == "" {
		return nil, errors.New("feed: trigger needs schema and table")
	}

	table := pgx.Identifier{f.Schema, f.Table}.Sanitize()
	fnName := pgx.Identifier{f.Schema, "feedbot_notify_" + f.Table}.Sanitize()
	trigger := pgx.Identifier{"feedbot_notify_" + strings.ToLower(op)}.Sanitize()

	fn := `CREATE OR REPLACE FUNCTION ` + fnName + `() RETURNS trigger
LANGUAGE plpgsql AS $feedbot$
BEGIN
	PERFORM pg_notify(` + quoteLiteral(channel) + `, json_build_object(
		'schema', TG_TABLE_SCHEMA,
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'record', row_to_json(CASE WHEN TG_OP = 'DELETE' THEN OLD ELSE NEW END),
		'commit_timestamp', now()
	)::text);
	RETURN NULL;
END;
$feedbot$`

	return []string{
		fn,
		`DROP TRIGGER IF EXISTS ` + trigger + ` ON ` + table,
		`CREATE TRIGGER ` + trigger + ` AFTER ` + op + ` ON ` + table +
			` FOR EACH ROW EXECUTE FUNCTION ` + fnName + `()`,
	}, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
