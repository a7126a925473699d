package bridge

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"feedbot/internal/eventbus"
	"feedbot/internal/feed"
	"feedbot/internal/messages"
	kit "feedbot/internal/transport"
	logx "feedbot/pkg/logx"
)

type fakePublisher struct {
	mu       sync.Mutex
	channels map[int64]kit.Channel
	sendErr  error
	sent     []string
	block    chan struct{}
	// holdPastCancel keeps a blocked Send waiting even after its context ends.
	holdPastCancel bool
}

func (f *fakePublisher) Start(context.Context) error { return nil }
func (f *fakePublisher) Stop(context.Context) error  { return nil }
func (f *fakePublisher) Healthy() bool               { return true }

func (f *fakePublisher) Resolve(_ context.Context, id int64) (kit.Channel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	return ch, ok
}

func (f *fakePublisher) Send(ctx context.Context, _ kit.Channel, text string) error {
	if f.block != nil && f.holdPastCancel {
		<-f.block
	} else if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.sendErr
}

func (f *fakePublisher) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func (l *lockedBuffer) Count(s string) int { return strings.Count(l.String(), s) }

const channelID = int64(-100123)

func newTestBridge(t *testing.T, pub *fakePublisher, pool []string) (*Bridge, *lockedBuffer) {
	t.Helper()
	p, err := messages.New(pool)
	if err != nil {
		t.Fatalf("messages.New: %v", err)
	}
	logs := &lockedBuffer{}
	b, err := New(Config{
		Pool:      p,
		ChannelID: channelID,
		Publisher: pub,
		Log:       logx.NewWriter(logs, "debug"),
		Bus:       eventbus.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, logs
}

func waitIdle(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := b.InFlight(); n != 0 {
		t.Fatalf("in-flight = %d after Wait, want 0", n)
	}
}

var insert = feed.Event{Schema: "public", Table: "feedings", Type: "INSERT"}

func TestHandleSendsOneMessageFromPool(t *testing.T) {
	pub := &fakePublisher{channels: map[int64]kit.Channel{channelID: {ID: channelID, Title: "cats"}}}
	b, _ := newTestBridge(t, pub, []string{"A", "B"})
	b.Start(context.Background())

	b.Handle(insert)
	waitIdle(t, b)

	sent := pub.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0] != "A" && sent[0] != "B" {
		t.Fatalf("sent %q, want A or B", sent[0])
	}
}

func TestHandleUnresolvedChannelSkipsSend(t *testing.T) {
	pub := &fakePublisher{}
	b, logs := newTestBridge(t, pub, []string{"A", "B"})
	b.Start(context.Background())

	b.Handle(insert)
	waitIdle(t, b)

	if n := len(pub.Sent()); n != 0 {
		t.Fatalf("sent %d messages, want 0", n)
	}
	if got := logs.Count(`"level":"error"`); got != 1 {
		t.Fatalf("logged %d errors, want 1:\n%s", got, logs)
	}
	if !strings.Contains(logs.String(), "unable to find the configured channel") {
		t.Fatalf("missing channel error log:\n%s", logs)
	}
}

func TestHandleSendErrorIsContained(t *testing.T) {
	pub := &fakePublisher{
		channels: map[int64]kit.Channel{channelID: {ID: channelID}},
		sendErr:  errors.New("discord says no"),
	}
	b, logs := newTestBridge(t, pub, []string{"A"})
	b.Start(context.Background())

	b.Handle(insert)
	waitIdle(t, b)

	out := logs.String()
	if !strings.Contains(out, "failed to send message") || !strings.Contains(out, "discord says no") {
		t.Fatalf("send error not logged with its message:\n%s", out)
	}

	// The bridge keeps working after a failure.
	pub.mu.Lock()
	pub.sendErr = nil
	pub.mu.Unlock()
	b.Handle(insert)
	waitIdle(t, b)
	if n := len(pub.Sent()); n != 2 {
		t.Fatalf("send attempts = %d, want 2", n)
	}
}

func TestHandleWithoutRunningContextDrops(t *testing.T) {
	pub := &fakePublisher{channels: map[int64]kit.Channel{channelID: {ID: channelID}}}
	b, logs := newTestBridge(t, pub, []string{"A"})

	b.Handle(insert) // never started

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	cancel()
	b.Handle(insert) // context gone

	if n := len(pub.Sent()); n != 0 {
		t.Fatalf("sent %d messages, want 0", n)
	}
	if got := logs.Count("no running delivery context"); got != 2 {
		t.Fatalf("logged %d drops, want 2:\n%s", got, logs)
	}
}

func TestConcurrentEventsAllDelivered(t *testing.T) {
	const n = 64
	pub := &fakePublisher{
		channels: map[int64]kit.Channel{channelID: {ID: channelID}},
		block:    make(chan struct{}),
	}
	b, _ := newTestBridge(t, pub, []string{"A", "B"})
	b.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Handle(insert)
		}()
	}
	wg.Wait()
	if got := b.InFlight(); got != n {
		t.Fatalf("in-flight = %d while blocked, want %d", got, n)
	}
	close(pub.block)
	waitIdle(t, b)

	if got := len(pub.Sent()); got != n {
		t.Fatalf("sent %d messages, want %d", got, n)
	}
}

func TestOutcomesPublishedOnBus(t *testing.T) {
	pub := &fakePublisher{}
	p, _ := messages.New([]string{"A"})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	b, err := New(Config{Pool: p, ChannelID: channelID, Publisher: pub, Bus: bus})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Handle(insert)
	b.Start(context.Background())
	b.Handle(insert)
	waitIdle(t, b)

	want := []string{eventbus.TopicEventDropped, eventbus.TopicDeliverySkipped}
	for _, topic := range want {
		select {
		case e := <-events:
			if e.Type != topic {
				t.Fatalf("event type = %s, want %s", e.Type, topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", topic)
		}
	}
}

func TestStopWaitsThenRefuses(t *testing.T) {
	pub := &fakePublisher{
		channels: map[int64]kit.Channel{channelID: {ID: channelID}},
		block:    make(chan struct{}),
	}
	b, _ := newTestBridge(t, pub, []string{"A"})
	b.Start(context.Background())
	b.Handle(insert)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(pub.block)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(pub.Sent()); n != 1 {
		t.Fatalf("in-flight delivery lost on stop: sent %d", n)
	}

	b.Handle(insert)
	if n := len(pub.Sent()); n != 1 {
		t.Fatalf("event after stop was delivered")
	}
}

func TestNewValidates(t *testing.T) {
	p, _ := messages.New([]string{"A"})
	if _, err := New(Config{Pool: p}); err == nil {
		t.Fatal("expected error without publisher")
	}
	if _, err := New(Config{Publisher: &fakePublisher{}}); !errors.Is(err, messages.ErrEmptyPool) {
		t.Fatalf("err = %v, want ErrEmptyPool", err)
	}
}

func TestRestartKeepsCountingDrainingUnits(t *testing.T) {
	pub := &fakePublisher{
		channels:       map[int64]kit.Channel{channelID: {ID: channelID}},
		block:          make(chan struct{}),
		holdPastCancel: true,
	}
	b, _ := newTestBridge(t, pub, []string{"A"})

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	b.Handle(insert)
	cancel()

	b.Start(context.Background())
	if n := b.InFlight(); n != 1 {
		t.Fatalf("in-flight = %d after restart, want the draining unit counted", n)
	}
	close(pub.block)
	waitIdle(t, b)
	if n := len(pub.Sent()); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}

func TestHandleRacingStopIsAccountedFor(t *testing.T) {
	const n = 200
	pub := &fakePublisher{channels: map[int64]kit.Channel{channelID: {ID: channelID}}}
	p, _ := messages.New([]string{"A"})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(2 * n)
	defer unsub()
	b, err := New(Config{Pool: p, ChannelID: channelID, Publisher: pub, Bus: bus})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Handle(insert)
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()
	if got := b.InFlight(); got != 0 {
		t.Fatalf("in-flight = %d after Stop, want 0", got)
	}

	var sent, dropped int
	for sent+dropped < n {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.TopicDeliverySent:
				sent++
			case eventbus.TopicEventDropped:
				dropped++
			}
		case <-time.After(time.Second):
			t.Fatalf("sent %d + dropped %d, want %d", sent, dropped, n)
		}
	}
	if sent != len(pub.Sent()) {
		t.Fatalf("sent events = %d, publisher saw %d", sent, len(pub.Sent()))
	}
}
