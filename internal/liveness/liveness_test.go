package liveness

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedbot/internal/eventbus"
	logx "feedbot/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestRunReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, Config{Interval: 5 * time.Millisecond}) }()

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReportsTransitions(t *testing.T) {
	var healthy atomic.Bool
	logs := &syncBuffer{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, Config{Interval: 5 * time.Millisecond, Log: logx.NewWriter(logs, "info"), Bus: bus},
		Probe{Name: "feed", Healthy: healthy.Load},
		Probe{Name: "noop"},
	)

	wait := func(want bool) {
		t.Helper()
		select {
		case e := <-events:
			c, ok := e.Data.(Change)
			if e.Type != eventbus.TopicProbeChanged || !ok || c.Probe != "feed" || c.Healthy != want {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("no transition to healthy=%v", want)
		}
	}

	wait(false) // starts down
	healthy.Store(true)
	wait(true)

	out := logs.String()
	if strings.Count(out, "probe unhealthy") != 1 || strings.Count(out, "probe recovered") != 1 {
		t.Fatalf("unexpected transition logs:\n%s", out)
	}
	select {
	case e := <-events:
		t.Fatalf("steady state published %+v", e)
	case <-time.After(30 * time.Millisecond):
	}
}
