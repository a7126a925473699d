package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BOT_TOKEN", "42:secret")
	t.Setenv("CHANNEL_ID", "-100123")
	t.Setenv("FEED_URL", "postgres://localhost/cats")
	t.Setenv("FEED_KEY", "")
	t.Setenv("FEED_DRIVER", "")
	t.Setenv("LOG_LEVEL", "")
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	setBaseEnv(t)
	cfg, err := NewManager("").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.ChannelID != -100123 || cfg.Chat.Token != "42:secret" {
		t.Fatalf("chat = %+v", cfg.Chat)
	}
	if cfg.Feed.Driver != "postgres" || cfg.Feed.Schema != "public" || cfg.Feed.Table != "feedings" || cfg.Feed.Operation != "INSERT" {
		t.Fatalf("feed defaults = %+v", cfg.Feed)
	}
	if !cfg.Feed.TriggerEnabled() {
		t.Fatal("trigger install should default to enabled")
	}
	if cfg.Logging.Chat.ChannelID != -100123 {
		t.Fatalf("log chat channel = %d, want fallback to chat channel", cfg.Logging.Chat.ChannelID)
	}
	d, err := cfg.Durations()
	if err != nil {
		t.Fatalf("Durations: %v", err)
	}
	if d.LivenessInterval != time.Second {
		t.Fatalf("liveness interval = %s, want 1s", d.LivenessInterval)
	}
}

func TestMalformedChannelIDIsFatal(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHANNEL_ID", "cats")
	if _, err := NewManager("").Load(); err == nil || !strings.Contains(err.Error(), "CHANNEL_ID") {
		t.Fatalf("err = %v, want CHANNEL_ID parse error", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want error
	}{
		{name: "token", env: map[string]string{"BOT_TOKEN": ""}, want: ErrMissingToken},
		{name: "channel", env: map[string]string{"CHANNEL_ID": "0"}, want: ErrMissingChannelID},
		{name: "feed url", env: map[string]string{"FEED_URL": ""}, want: ErrMissingFeedURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := NewManager("").Load(); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestYAMLFileWithEnvOverride(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FEED_DRIVER", "nats")
	p := writeFile(t, "feedbot.yaml", `
chat:
  channel_id: 555
  poll_timeout: 5s
feed:
  driver: postgres
  url: nats://127.0.0.1:4222
  install_trigger: false
logging:
  level: debug
messages:
  - one
  - two
`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.ChannelID != -100123 {
		t.Fatalf("CHANNEL_ID did not override file value: %d", cfg.Chat.ChannelID)
	}
	if cfg.Feed.Driver != "nats" {
		t.Fatalf("driver = %q, want env override nats", cfg.Feed.Driver)
	}
	if cfg.Feed.URL != "postgres://localhost/cats" {
		t.Fatalf("url = %q", cfg.Feed.URL)
	}
	if cfg.Feed.TriggerEnabled() {
		t.Fatal("install_trigger: false ignored")
	}
	if cfg.Logging.Level != "debug" || len(cfg.Messages) != 2 {
		t.Fatalf("logging/messages = %+v / %v", cfg.Logging, cfg.Messages)
	}
}

func TestFileRejectsUnknownFields(t *testing.T) {
	setBaseEnv(t)
	p := writeFile(t, "feedbot.json", `{"chat":{"channel_id":1},"plugins":{}}`)
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected unknown field error")
	}
	p = writeFile(t, "feedbot.toml", `x = 1`)
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected unsupported extension error")
	}
	p = writeFile(t, "feedbot.json", `{} {}`)
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	setBaseEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{name: "duration", body: `{"liveness":{"interval":"soon"}}`},
		{name: "negative", body: `{"chat":{"poll_timeout":"-1s"}}`},
		{name: "backoff order", body: `{"feed":{"reconnect_min":"1m","reconnect_max":"1s"}}`},
		{name: "level", body: `{"logging":{"level":"loud"}}`},
		{name: "blank message", body: `{"messages":["ok","  "]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, "feedbot.json", tt.body)
			if _, err := NewManager(p).Load(); err == nil {
				t.Fatalf("expected error for %s", tt.body)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "FEEDBOT_DOTENV_TEST"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	missing := filepath.Join(t.TempDir(), ".env")
	if err := LoadDotEnv(missing); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
	p := writeFile(t, ".env", key+"=meow\n")
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "meow" {
		t.Fatalf("%s = %q, want meow", key, got)
	}
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Logging: LoggingConfig{Level: "info"}, Chat: ChatConfig{Token: "x", ChannelID: 1}}
	b := *a
	b.Logging.Level = "debug"

	changed, _, restart := SummarizeChange(a, &b)
	if len(changed) != 1 || changed[0] != "logging" || restart {
		t.Fatalf("changed = %v restart = %v, want [logging] false", changed, restart)
	}

	c := b
	c.Messages = []string{"new"}
	changed, _, restart = SummarizeChange(&b, &c)
	if len(changed) != 1 || changed[0] != "messages" || !restart {
		t.Fatalf("changed = %v restart = %v, want [messages] true", changed, restart)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	setBaseEnv(t)
	p := writeFile(t, "feedbot.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-updates:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published after file change")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("published config not committed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestReloadHonorsValidator(t *testing.T) {
	setBaseEnv(t)
	p := writeFile(t, "feedbot.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p)
	if m.Path() != p {
		t.Fatalf("Path = %q, want %q", m.Path(), p)
	}
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return errors.New("trace not allowed")
		}
		return nil
	})

	if err := os.WriteFile(p, []byte(`{"logging":{"level":"trace"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())
	if got := m.Get().Logging.Level; got != "info" {
		t.Fatalf("rejected config committed: level = %q", got)
	}
	select {
	case cfg := <-updates:
		t.Fatalf("rejected config published: %+v", cfg.Logging)
	default:
	}

	if err := os.WriteFile(p, []byte(`{"logging":{"level":"warn"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-updates:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q, want warn", cfg.Logging.Level)
		}
	default:
		t.Fatal("accepted config not published")
	}
}
