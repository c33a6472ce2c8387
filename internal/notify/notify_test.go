package notify

import (
	"context"
	"testing"
	"time"

	"campus-calls/internal/realtime"
)

func TestService_PublishesOnUserTopic(t *testing.T) {
	bus := realtime.NewMemoryBus()
	sub, _ := bus.Subscribe(context.Background(), realtime.UserTopic("u1"))
	defer sub.Close()

	svc := NewService(bus, nil)
	if err := svc.Notify(context.Background(), "u1", Notification{Kind: KindError, Title: "Call connection lost"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case m := <-sub.C():
		var n Notification
		if err := m.Decode(&n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.UserID != "u1" || n.Kind != KindError || n.ID == "" || n.CreatedAt.IsZero() {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("no notification delivered")
	}
}

func TestService_ClosedRejects(t *testing.T) {
	svc := NewService(realtime.NewMemoryBus(), nil)
	_ = svc.Close()
	if err := svc.Notify(context.Background(), "u1", Notification{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestService_RequiresUser(t *testing.T) {
	svc := NewService(realtime.NewMemoryBus(), nil)
	if err := svc.Notify(context.Background(), "", Notification{}); err != ErrInvalidUser {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}
