package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"campus-calls/pkg/utils"
)

// BusyTracker knows which responders are currently in a call. A responder is
// held by one call at a time; releasing on behalf of another call is a no-op.
type BusyTracker interface {
	// Acquire marks the responder busy with callID; false means another call holds them.
	Acquire(ctx context.Context, responderID, callID string) (bool, error)
	Release(ctx context.Context, responderID, callID string) error
	Busy(ctx context.Context, responderID string) (bool, error)
}

// RedisBusy keeps one owned slot per responder. The TTL frees a slot
// leaked by a crashed process.
type RedisBusy struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisBusy(rdb *redis.Client, ttl time.Duration) *RedisBusy {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisBusy{rdb: rdb, ttl: ttl}
}

func busyKey(responderID string) string { return "campus-calls:busy:" + responderID }

func (b *RedisBusy) Acquire(ctx context.Context, responderID, callID string) (bool, error) {
	return utils.AcquireSlot(ctx, b.rdb, busyKey(responderID), callID, b.ttl)
}

func (b *RedisBusy) Release(ctx context.Context, responderID, callID string) error {
	_, err := utils.ReleaseSlot(ctx, b.rdb, busyKey(responderID), callID)
	return err
}

func (b *RedisBusy) Busy(ctx context.Context, responderID string) (bool, error) {
	owner, err := utils.SlotOwner(ctx, b.rdb, busyKey(responderID))
	return owner != "", err
}

// MemoryBusy is a process-local BusyTracker for tests and single-node runs.
type MemoryBusy struct {
	mu     sync.Mutex
	holder map[string]string
}

func NewMemoryBusy() *MemoryBusy { return &MemoryBusy{holder: map[string]string{}} }

func (m *MemoryBusy) Acquire(ctx context.Context, responderID, callID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holder[responderID]; ok && h != callID {
		return false, nil
	}
	m.holder[responderID] = callID
	return true, nil
}

func (m *MemoryBusy) Release(ctx context.Context, responderID, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder[responderID] == callID {
		delete(m.holder, responderID)
	}
	return nil
}

func (m *MemoryBusy) Busy(ctx context.Context, responderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.holder[responderID]
	return ok, nil
}
