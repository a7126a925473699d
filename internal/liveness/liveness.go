// Package liveness keeps the process serviced while the feed and chat
// clients run in the background, and reports when they degrade.
package liveness

import (
	"context"
	"time"

	"feedbot/internal/eventbus"
	logx "feedbot/pkg/logx"
)

const DefaultInterval = time.Second

// Probe is a named health check. Healthy must not block.
type Probe struct {
	Name    string
	Healthy func() bool
}

type Config struct {
	Interval time.Duration
	Log      logx.Logger
	Bus      eventbus.Bus
}

// Change is published on the bus when a probe flips state.
type Change struct {
	Probe   string
	Healthy bool
	Since   time.Time
}

// Run ticks at cfg.Interval until ctx ends and always returns nil.
//
// Every probe starts out assumed healthy, so a probe that is down on the
// first tick is reported, and later ticks only log transitions.
func Run(ctx context.Context, cfg Config, probes ...Probe) error {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop()
	}

	state := make([]bool, len(probes))
	since := make([]time.Time, len(probes))
	now := time.Now()
	for i := range state {
		state[i] = true
		since[i] = now
	}

	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			for i, p := range probes {
				if p.Healthy == nil {
					continue
				}
				ok := p.Healthy()
				if ok == state[i] {
					continue
				}
				took := now.Sub(since[i])
				state[i], since[i] = ok, now
				if ok {
					cfg.Log.Info("probe recovered", logx.String("probe", p.Name), logx.Duration("down_for", took))
				} else {
					cfg.Log.Warn("probe unhealthy", logx.String("probe", p.Name), logx.Duration("up_for", took))
				}
				cfg.Bus.Publish(eventbus.Event{
					Type: eventbus.TopicProbeChanged,
					Time: now,
					Data: Change{Probe: p.Name, Healthy: ok, Since: now},
				})
			}
		}
	}
}
