package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "feedbot/internal/runtime/supervisor"
	kit "feedbot/internal/transport"
	logx "feedbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
}

// Adapter is the Telegram implementation of transport.Publisher.
//
// It keeps a cache of chats the bot has seen (membership updates, channel
// posts, resolved lookups). Resolve consults the cache first and falls back
// to a single getChat call on a miss.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	cacheMu sync.RWMutex
	chats   map[int64]kit.Channel

	// lastPollErr is the unix-nano time of the most recent poller error.
	lastPollErr atomic.Int64
}

var _ kit.Publisher = (*Adapter)(nil)

// New creates the bot and performs the getMe handshake, so a bad token fails
// here rather than at the first send.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, chats: map[int64]kit.Channel{}}

	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: a.onError,
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) onError(err error, c tele.Context) {
	if c == nil {
		// Poller errors arrive without a context.
		a.lastPollErr.Store(time.Now().UnixNano())
		a.log.Warn("telegram poll error", logx.Err(err))
		return
	}
	a.log.Warn("telegram handler error", logx.Err(err))
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		u := c.ChatMember()
		if u == nil || u.Chat == nil || u.NewChatMember == nil {
			return nil
		}
		switch u.NewChatMember.Role {
		case tele.Left, tele.Kicked:
			a.forget(u.Chat.ID)
			a.log.Info("removed from chat", logx.Int64("chat_id", u.Chat.ID))
		default:
			a.remember(u.Chat)
			a.log.Info("added to chat", logx.Int64("chat_id", u.Chat.ID), logx.String("title", u.Chat.Title))
		}
		return nil
	})
	seen := func(c tele.Context) error {
		if ch := c.Chat(); ch != nil {
			a.remember(ch)
		}
		return nil
	}
	a.bot.Handle(tele.OnChannelPost, seen)
	a.bot.Handle(tele.OnText, seen)
}

func (a *Adapter) remember(c *tele.Chat) kit.Channel {
	ch := kit.Channel{ID: c.ID, Title: chatTitle(c)}
	a.cacheMu.Lock()
	a.chats[c.ID] = ch
	a.cacheMu.Unlock()
	return ch
}

func (a *Adapter) forget(id int64) {
	a.cacheMu.Lock()
	delete(a.chats, id)
	a.cacheMu.Unlock()
}

func chatTitle(c *tele.Chat) string {
	switch {
	case c.Title != "":
		return c.Title
	case c.Username != "":
		return "@" + c.Username
	default:
		return strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// poll failures restart the loop instead of taking down the app
		rtsup.WithCancelOnError(false),
	)

	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		// Stop blocks until the poll loop acknowledges; never hold shutdown on it.
		go a.bot.Stop()
	})

	// Start blocks until Stop; restart it if it returns while still running.
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("bot", a.bot.Me.Username))
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	a.log.Info("stopping")
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Healthy is true while polling runs and the poller has not failed within
// the last two poll windows.
func (a *Adapter) Healthy() bool {
	a.runMu.Lock()
	running := a.running
	a.runMu.Unlock()
	if !running {
		return false
	}
	last := a.lastPollErr.Load()
	return last == 0 || time.Since(time.Unix(0, last)) > 2*a.cfg.PollTimeout
}

func (a *Adapter) Resolve(ctx context.Context, id int64) (kit.Channel, bool) {
	a.cacheMu.RLock()
	ch, ok := a.chats[id]
	a.cacheMu.RUnlock()
	if ok {
		return ch, true
	}
	if id == 0 || ctx.Err() != nil {
		return kit.Channel{}, false
	}
	c, err := a.bot.ChatByID(id)
	if err != nil {
		a.log.Debug("chat lookup failed", logx.Int64("chat_id", id), logx.Err(err))
		return kit.Channel{}, false
	}
	return a.remember(c), true
}

// Send returns kit.ErrNotStarted outside Start/Stop.
func (a *Adapter) Send(ctx context.Context, to kit.Channel, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.runMu.Lock()
	running := a.running
	a.runMu.Unlock()
	if !running {
		return kit.ErrNotStarted
	}
	_, err := a.bot.Send(&tele.Chat{ID: to.ID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
