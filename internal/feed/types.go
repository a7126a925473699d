package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownDriver = errors.New("feed: unknown driver")
	ErrClosed        = errors.New("feed: subscriber closed")
)

// Event describes one row change. Record is the new row as delivered by the
// store; it is not validated.
type Event struct {
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Type            string          `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Filter selects the events a handler is interested in.
type Filter struct {
	Operation string
	Schema    string
	Table     string
}

// DefaultFilter listens to inserts on public.feedings.
func DefaultFilter() Filter {
	return Filter{Operation: "INSERT", Schema: "public", Table: "feedings"}
}

// Match compares case-insensitively. Empty filter fields match anything.
func (f Filter) Match(ev Event) bool {
	return matchField(f.Operation, ev.Type) &&
		matchField(f.Schema, ev.Schema) &&
		matchField(f.Table, ev.Table)
}

func (f Filter) String() string {
	return strings.ToUpper(f.Operation) + " " + f.Schema + "." + f.Table
}

func matchField(want, got string) bool {
	want = strings.TrimSpace(want)
	return want == "" || want == "*" || strings.EqualFold(want, strings.TrimSpace(got))
}

// Handler is invoked synchronously by the subscriber for every matching
// event. It must not block.
type Handler func(Event)

// Subscriber is a change-feed client.
//
// Subscribe returns once the subscription is live. Handlers are called from
// the subscriber's own goroutine.
type Subscriber interface {
	Subscribe(ctx context.Context, f Filter, h Handler) error
	Healthy() bool
	Close() error
}

// decodeEvent parses a JSON payload into an Event.
func decodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" || ev.Table == "" {
		return Event{}, errors.New("feed: payload missing type or table")
	}
	return ev, nil
}
