package realtime

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBus_DeliversToTopicSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, CallTopic("c1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	other, _ := bus.Subscribe(ctx, CallTopic("c2"))
	defer other.Close()

	if err := bus.Publish(ctx, CallTopic("c1"), map[string]string{"status": "active"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-sub.C():
		var v map[string]string
		if err := m.Decode(&v); err != nil || v["status"] != "active" {
			t.Fatalf("unexpected payload %s (%v)", m.Data, err)
		}
		if m.Topic != "calls:c1" {
			t.Fatalf("unexpected topic %q", m.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("no delivery")
	}

	select {
	case m := <-other.C():
		t.Fatalf("unexpected delivery on other topic: %s", m.Data)
	default:
	}
}

func TestMemoryBus_CloseIsIdempotentAndDetaches(t *testing.T) {
	bus := NewMemoryBus()
	sub, _ := bus.Subscribe(context.Background(), SignalsTopic("c1"))

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n := bus.Subscribers(SignalsTopic("c1")); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel")
	}
	if err := bus.Publish(context.Background(), SignalsTopic("c1"), "x"); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestMemoryBus_ContextCancelClosesSubscription(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := bus.Subscribe(ctx, UserTopic("u1"))
	cancel()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatalf("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed on cancel")
	}
}

func TestMemoryBus_RequiresTopics(t *testing.T) {
	if _, err := NewMemoryBus().Subscribe(context.Background()); err != ErrNoTopics {
		t.Fatalf("expected ErrNoTopics, got %v", err)
	}
}
