// Package bridge connects change-feed events to chat deliveries.
//
// The feed calls Handle synchronously. Handle never blocks: it schedules one
// in-flight unit per event on the bridge's supervisor and returns. Every unit
// contains its own failures, so a bad channel id or a failed send is logged
// and the event is dropped while the subscription keeps running.
package bridge

import (
	"context"
	"errors"
	"sync"

	"feedbot/internal/eventbus"
	"feedbot/internal/feed"
	"feedbot/internal/messages"
	rtsup "feedbot/internal/runtime/supervisor"
	kit "feedbot/internal/transport"
	logx "feedbot/pkg/logx"
)

type Config struct {
	Pool      messages.Pool
	ChannelID int64
	Publisher kit.Publisher
	Log       logx.Logger
	Bus       eventbus.Bus
}

// Delivery is published on the bus for every handled event.
type Delivery struct {
	ChannelID int64
	Message   string
	Event     feed.Event
	Err       error
}

var (
	ErrChannelNotFound = errors.New("bridge: channel not found")
	ErrNotRunning      = errors.New("bridge: no running delivery context")
)

type Bridge struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu  sync.RWMutex
	sup *rtsup.Supervisor
	// draining holds replaced or stopped supervisors whose units were still
	// running, so InFlight and Wait keep covering them.
	draining []*rtsup.Supervisor
}

func New(cfg Config) (*Bridge, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("bridge: publisher is required")
	}
	if cfg.Pool.Len() == 0 {
		return nil, messages.ErrEmptyPool
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop()
	}
	return &Bridge{cfg: cfg, log: cfg.Log, bus: cfg.Bus}, nil
}

// Start binds the bridge to ctx. Events handled before Start, after Stop, or
// after ctx ends are dropped.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sup != nil {
		if b.sup.Context().Err() == nil {
			return
		}
		b.retire(b.sup)
	}
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log), rtsup.WithQuiet(true))
}

// retire keeps sup tracked while it still has running units. Caller holds mu.
func (b *Bridge) retire(sup *rtsup.Supervisor) {
	if sup.Counters().Active > 0 {
		b.draining = append(b.draining, sup)
	}
}

// Stop refuses new events and waits for in-flight deliveries until ctx ends.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.mu.Unlock()
	if sup == nil {
		return b.Wait(ctx)
	}
	defer sup.Cancel()

	err := b.waitAll(ctx, sup)
	b.mu.Lock()
	b.retire(sup)
	b.mu.Unlock()
	return err
}

// Handle is the feed.Handler. It returns immediately.
func (b *Bridge) Handle(ev feed.Event) {
	// The read lock spans Go0 so Stop cannot start waiting while a unit is
	// being added.
	b.mu.RLock()
	ok := b.sup != nil && b.sup.Go0("bridge.deliver", func(ctx context.Context) { b.deliver(ctx, ev) })
	b.mu.RUnlock()

	if !ok {
		b.log.Error("no running delivery context; event dropped",
			logx.String("type", ev.Type), logx.String("table", ev.Schema+"."+ev.Table))
		b.bus.Publish(eventbus.Event{Type: eventbus.TopicEventDropped, Data: Delivery{
			ChannelID: b.cfg.ChannelID, Event: ev, Err: ErrNotRunning,
		}})
	}
}

func (b *Bridge) deliver(ctx context.Context, ev feed.Event) {
	d := Delivery{ChannelID: b.cfg.ChannelID, Message: b.cfg.Pool.Pick(), Event: ev}

	ch, ok := b.cfg.Publisher.Resolve(ctx, b.cfg.ChannelID)
	if !ok {
		b.log.Error("unable to find the configured channel; check the id and the bot's permissions",
			logx.Int64("channel_id", b.cfg.ChannelID))
		d.Err = ErrChannelNotFound
		b.bus.Publish(eventbus.Event{Type: eventbus.TopicDeliverySkipped, Data: d})
		return
	}

	b.log.Debug("sending message to channel", logx.String("channel", ch.Name()), logx.Int64("channel_id", ch.ID))
	if err := b.cfg.Publisher.Send(ctx, ch, d.Message); err != nil {
		b.log.Error("failed to send message", logx.Err(err), logx.Int64("channel_id", ch.ID))
		d.Err = err
		b.bus.Publish(eventbus.Event{Type: eventbus.TopicDeliveryFailed, Data: d})
		return
	}
	b.log.Info("message sent", logx.String("message", d.Message), logx.Int64("channel_id", ch.ID))
	b.bus.Publish(eventbus.Event{Type: eventbus.TopicDeliverySent, Data: d})
}

// InFlight returns the number of deliveries still running.
func (b *Bridge) InFlight() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()
	n := b.sup.Counters().Active
	for _, d := range b.draining {
		n += d.Counters().Active
	}
	return n
}

// Wait blocks until all in-flight deliveries are done or ctx ends.
func (b *Bridge) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.prune()
	sups := append([]*rtsup.Supervisor(nil), b.draining...)
	if b.sup != nil {
		sups = append(sups, b.sup)
	}
	b.mu.Unlock()
	return b.waitAll(ctx, sups...)
}

func (b *Bridge) waitAll(ctx context.Context, sups ...*rtsup.Supervisor) error {
	for _, sup := range sups {
		if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}
	return nil
}

// prune drops drained supervisors. Caller holds mu.
func (b *Bridge) prune() {
	kept := b.draining[:0]
	for _, d := range b.draining {
		if d.Counters().Active > 0 {
			kept = append(kept, d)
		}
	}
	clear(b.draining[len(kept):])
	b.draining = kept
}
