package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedbot/internal/bridge"
	"feedbot/internal/config"
	"feedbot/internal/eventbus"
	"feedbot/internal/feed"
	"feedbot/internal/liveness"
	rtsup "feedbot/internal/runtime/supervisor"
	kit "feedbot/internal/transport"
	telegram "feedbot/internal/transport/telegram/adapter"
	logx "feedbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	pub    kit.Publisher
	feed   feed.Subscriber
	filter feed.Filter
	bridge *bridge.Bridge

	channelID int64
	interval  time.Duration

	stopOnce sync.Once
}

// NewApp loads the config and builds every component. Nothing connects
// until Start.
func NewApp(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	log.Info("config loaded",
		logx.String("path", cfgm.Path()),
		logx.String("feed_driver", cfg.Feed.Driver),
		logx.Int64("channel_id", cfg.Chat.ChannelID))

	ad, err := telegram.New(mapAdapterConfig(cfg, d), log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logSvc.AttachPublisher(ad)

	fc, filter := mapFeedConfig(cfg, d)
	sub, err := feed.Open(fc, log.With(logx.String("comp", "feed")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return newApp(cfgm, cfg, logSvc, log, ad, sub, filter)
}

func newApp(cfgm *config.Manager, cfg *config.Config, logSvc *logx.Service, log logx.Logger,
	pub kit.Publisher, sub feed.Subscriber, filter feed.Filter) (*App, error) {
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	pool, err := buildPool(cfg)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()
	br, err := bridge.New(bridge.Config{
		Pool:      pool,
		ChannelID: cfg.Chat.ChannelID,
		Publisher: pub,
		Log:       log.With(logx.String("comp", "bridge")),
		Bus:       bus,
	})
	if err != nil {
		return nil, err
	}
	return &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		pub:       pub,
		feed:      sub,
		filter:    filter,
		bridge:    br,
		channelID: cfg.Chat.ChannelID,
		interval:  d.LivenessInterval,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Bus exposes the delivery and probe events.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Start connects the chat client, then the change feed, and returns once
// the subscription is live. Any error here is fatal; call Stop afterwards.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(a.validateReload)
	}

	if err := a.pub.Start(run); err != nil {
		return fmt.Errorf("start chat client: %w", err)
	}
	a.announce(run)

	a.bridge.Start(run)
	if err := a.feed.Subscribe(run, a.filter, a.bridge.Handle); err != nil {
		a.log.Error("failed to set up change feed subscription", logx.Err(err), logx.String("filter", a.filter.String()))
		return fmt.Errorf("subscribe %s: %w", a.filter, err)
	}
	a.log.Info("listening for changes", logx.String("filter", a.filter.String()))

	a.sup.Go("liveness", func(c context.Context) error {
		return liveness.Run(c, liveness.Config{
			Interval: a.interval,
			Log:      a.log.With(logx.String("comp", "liveness")),
			Bus:      a.bus,
		},
			liveness.Probe{Name: "chat", Healthy: a.pub.Healthy},
			liveness.Probe{Name: "feed", Healthy: a.feed.Healthy},
		)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		updates := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(updates)
			a.reloadLoop(c, updates)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// announce resolves the configured channel once the chat client is up.
func (a *App) announce(ctx context.Context) {
	ch, ok := a.pub.Resolve(ctx, a.channelID)
	if !ok {
		a.log.Error("unable to find the configured channel; check the id and the bot's permissions",
			logx.Int64("channel_id", a.channelID))
		return
	}
	a.log.Info("status: active", logx.String("channel", ch.Name()), logx.Int64("channel_id", ch.ID))
}

// validateReload rejects reloads that change what the running clients were
// built with. Other restart-only sections are accepted and warned about.
func (a *App) validateReload(_ context.Context, next *config.Config) error {
	cur := a.cfgm.Get()
	if cur == nil || next == nil {
		return nil
	}
	if next.Chat.ChannelID != cur.Chat.ChannelID {
		return fmt.Errorf("chat.channel_id changed (%d -> %d); restart to apply", cur.Chat.ChannelID, next.Chat.ChannelID)
	}
	if next.Chat.Token != cur.Chat.Token {
		return errors.New("chat.token changed; restart to apply")
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, updates <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			next = latest(updates, next)

			sections, attrs, restart := config.SummarizeChange(last, next)
			last = next
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			if a.logs != nil {
				a.logs.Apply(next.LogxConfig())
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if restart {
				a.log.Warn("some changes only take effect after a restart", logx.String("changed", strings.Join(sections, ",")))
			}
		}
	}
}

// latest drains queued updates and keeps only the newest.
func latest(updates <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case next, ok := <-updates:
			if !ok || next == nil {
				return cur
			}
			cur = next
		default:
			return cur
		}
	}
}

// Stop shuts down in reverse start order. It is safe to call more than once
// and after a failed Start.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// The feed goes first so no new events arrive while deliveries drain.
	a.step(ctx, "feed", 2*time.Second, func(context.Context) error { return a.feed.Close() })
	a.step(ctx, "bridge", 3*time.Second, a.bridge.Stop)

	a.sup.Cancel()
	a.step(ctx, "chat", 3*time.Second, a.pub.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Uint64("goroutines_started", a.sup.Counters().Started))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	err := a.sup.Err()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// step runs one shutdown step bounded by max, never extending the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
