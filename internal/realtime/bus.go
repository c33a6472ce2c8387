package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// Message is one payload delivered on a topic.
type Message struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Publisher pushes JSON-encoded values onto a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// Subscription is a live feed of messages for one or more topics.
//
// C is closed once the subscription is closed or the underlying connection ends.
// Close is idempotent.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Bus is the change-feed provider: at-least-once push to current subscribers, no history.
type Bus interface {
	Publisher
	// Subscribe returns once the subscription is attached, so anything published
	// after it returns is delivered.
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

var ErrNoTopics = errors.New("realtime: at least one topic is required")
