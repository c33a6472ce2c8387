package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryBus is an in-process Bus used by tests and single-node development.
// Publish blocks until every current subscriber has buffer space, the subscriber
// closes, or ctx ends; messages are never dropped silently.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string]map[*memorySub]struct{}{}, buffer: 256}
}

type memorySub struct {
	bus    *MemoryBus
	topics []string
	ch     chan Message
	done   chan struct{}
	once   sync.Once
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		for _, t := range s.topics {
			if set, ok := s.bus.subs[t]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(s.bus.subs, t)
				}
			}
		}
		s.bus.mu.Unlock()
		// No publisher can hold s now: they only send while holding the read lock.
		close(s.ch)
	})
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	s := &memorySub{
		bus:    b,
		topics: append([]string(nil), topics...),
		ch:     make(chan Message, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	for _, t := range topics {
		set, ok := b.subs[t]
		if !ok {
			set = map[*memorySub]struct{}{}
			b.subs[t] = set
		}
		set[s] = struct{}{}
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := Message{Topic: topic, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[topic] {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
