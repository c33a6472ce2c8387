package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPostgresPoolDefaults(t *testing.T) {
	tests := []struct {
		name     string
		in       PostgresPoolConfig
		wantOpen int
		wantIdle int
	}{
		{"zero", PostgresPoolConfig{}, 20, 20},
		{"small pool", PostgresPoolConfig{MaxOpenConns: 4}, 4, 4},
		{"idle capped by open", PostgresPoolConfig{MaxOpenConns: 5, MaxIdleConns: 50}, 5, 5},
		{"explicit idle", PostgresPoolConfig{MaxOpenConns: 10, MaxIdleConns: 2}, 10, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.in.withDefaults()
			if c.MaxOpenConns != tt.wantOpen || c.MaxIdleConns != tt.wantIdle {
				t.Fatalf("open/idle = %d/%d, want %d/%d", c.MaxOpenConns, c.MaxIdleConns, tt.wantOpen, tt.wantIdle)
			}
			if c.PingTimeout != 5*time.Second {
				t.Fatalf("ping timeout = %s", c.PingTimeout)
			}
		})
	}
}

func TestHealthCheck_NilPool(t *testing.T) {
	if err := HealthCheck(context.Background(), nil, time.Second); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("err = %v, want ErrNoDatabase", err)
	}
}
