package utils

import (
	"context"
	"testing"
	"time"
)

func TestSlotHelpers_ValidateArguments(t *testing.T) {
	ctx := context.Background()
	if _, err := AcquireSlot(ctx, nil, "k", "call-1", time.Second); err == nil {
		t.Fatal("expected nil client error")
	}
	if _, err := ReleaseSlot(ctx, nil, "k", "call-1"); err == nil {
		t.Fatal("expected nil client error")
	}
	if _, err := SlotOwner(ctx, nil, "k"); err == nil {
		t.Fatal("expected nil client error")
	}
	if err := checkSlotArgs(nil, "", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestRedisConfigDefaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379", PoolSize: 4, MinIdleConns: 10}.withDefaults()
	if c.PoolSize != 4 || c.MinIdleConns != 0 || c.PingTimeout != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
