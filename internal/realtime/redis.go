package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis pub/sub.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, log: log.With("component", "realtime")}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("realtime: publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	ps := b.rdb.Subscribe(ctx, topics...)
	// Wait for the subscribe confirmation so callers can rely on being attached.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("realtime: subscribe: %w", err)
	}

	s := &redisSub{ps: ps, ch: make(chan Message, 64), done: make(chan struct{})}
	go s.pump(ctx, b.log)
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSub) pump(ctx context.Context, log *slog.Logger) {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			if !json.Valid([]byte(m.Payload)) {
				log.Warn("dropping non-json payload", "topic", m.Channel)
				continue
			}
			select {
			case s.ch <- Message{Topic: m.Channel, Data: json.RawMessage(m.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}
