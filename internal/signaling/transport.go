package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"campus-calls/internal/realtime"

	"github.com/google/uuid"
)

// Handler receives signaling messages, one at a time, in arrival order.
type Handler func(ctx context.Context, m Message)

// Transport relays negotiation messages between the two parties of a call:
// every message is first appended to the Store, then pushed on the call's topic.
// There is no retry; a failed write or push is returned to the sender.
type Transport struct {
	store Store
	bus   realtime.Bus
	clock func() time.Time
	log   *slog.Logger
}

func NewTransport(store Store, bus realtime.Bus, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{store: store, bus: bus, clock: time.Now, log: log.With("component", "signaling")}
}

// Send records and publishes one message. payload may be a json.RawMessage,
// which is stored untouched, or any JSON-marshalable value.
func (t *Transport) Send(ctx context.Context, callID, fromID, toID string, typ Type, payload any) (Message, error) {
	if callID == "" || fromID == "" {
		return Message{}, fmt.Errorf("%w: call and sender required", ErrInvalidSignal)
	}
	if !typ.Valid() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, typ)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return Message{}, err
	}

	m := Message{
		ID:        uuid.NewString(),
		CallID:    callID,
		FromID:    fromID,
		ToID:      toID,
		Type:      typ,
		Data:      data,
		CreatedAt: t.clock().UTC(),
	}
	if err := t.store.Append(ctx, m); err != nil {
		return Message{}, fmt.Errorf("signaling: store %s: %w", typ, err)
	}
	if err := t.bus.Publish(ctx, realtime.SignalsTopic(callID), m); err != nil {
		return Message{}, fmt.Errorf("signaling: publish %s: %w", typ, err)
	}
	t.log.Debug("signal sent", "call_id", callID, "from_id", fromID, "type", typ)
	return m, nil
}

// History returns everything recorded for a call.
func (t *Transport) History(ctx context.Context, callID string) ([]Message, error) {
	return t.store.ListByCall(ctx, callID)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: payload required", ErrInvalidSignal)
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not json", ErrInvalidSignal)
		}
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
		}
		return b, nil
	}
}

type subscribeOptions struct {
	replay bool
}

type SubscribeOption func(*subscribeOptions)

// WithReplay delivers messages stored before the subscription attached, ahead of live ones.
func WithReplay() SubscribeOption {
	return func(o *subscribeOptions) { o.replay = true }
}

// Subscription is a live signaling feed for one party of one call.
type Subscription struct {
	live   realtime.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops delivery. Safe to call more than once and from inside a Handler.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.live.Close()
	})
	return nil
}

// Done is closed when the delivery loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe delivers to h every message for callID that self did not send and
// that is addressed to self (or to no one in particular). Each message ID is
// delivered at most once even if the provider pushes it again.
func (t *Transport) Subscribe(ctx context.Context, callID, self string, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if callID == "" || self == "" || h == nil {
		return nil, fmt.Errorf("%w: call, self and handler required", ErrInvalidSignal)
	}
	var o subscribeOptions
	for _, fn := range opts {
		fn(&o)
	}

	live, err := t.bus.Subscribe(ctx, realtime.SignalsTopic(callID))
	if err != nil {
		return nil, fmt.Errorf("signaling: subscribe: %w", err)
	}

	// The live feed is attached first so nothing published from here on is lost.
	var backlog []Message
	if o.replay {
		backlog, err = t.store.ListByCall(ctx, callID)
		if err != nil {
			_ = live.Close()
			return nil, fmt.Errorf("signaling: load backlog: %w", err)
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{live: live, cancel: cancel, done: make(chan struct{})}
	go t.deliver(sctx, s, callID, self, backlog, h)
	return s, nil
}

func (t *Transport) deliver(ctx context.Context, s *Subscription, callID, self string, backlog []Message, h Handler) {
	defer close(s.done)
	log := t.log.With("call_id", callID, "self", self)
	seen := make(map[string]struct{})

	handle := func(m Message) {
		if ctx.Err() != nil || m.CallID != callID || !m.AddressedTo(self) {
			return
		}
		if _, dup := seen[m.ID]; dup {
			return
		}
		seen[m.ID] = struct{}{}
		h(ctx, m)
	}

	for _, m := range backlog {
		handle(m)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-s.live.C():
			if !ok {
				return
			}
			var m Message
			if err := raw.Decode(&m); err != nil {
				log.Warn("dropping undecodable signal", "err", err)
				continue
			}
			handle(m)
		}
	}
}
