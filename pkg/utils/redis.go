package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls the go-redis client. Zero fields take the defaults.
type RedisConfig struct {
	Addr string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 || out.MinIdleConns > out.PoolSize {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis builds a client and checks it with PING. Pub/sub subscriptions
// take their own connection outside PoolSize.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// A slot is a key held by one owner until released or expired.
var releaseSlotScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func checkSlotArgs(rdb *redis.Client, key, owner string) error {
	switch {
	case rdb == nil:
		return errors.New("redis client is nil")
	case key == "":
		return errors.New("key is required")
	case owner == "":
		return errors.New("owner is required")
	}
	return nil
}

// AcquireSlot takes key for owner unless someone else holds it. Taking a
// slot the owner already holds succeeds and refreshes the TTL, which frees
// slots leaked by a crashed process.
func AcquireSlot(ctx context.Context, rdb *redis.Client, key, owner string, ttl time.Duration) (bool, error) {
	if err := checkSlotArgs(rdb, key, owner); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	ok, err := rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	held, err := SlotOwner(ctx, rdb, key)
	if err != nil || held != owner {
		return false, err
	}
	return true, rdb.PExpire(ctx, key, ttl).Err()
}

// ReleaseSlot frees key if owner still holds it. It reports whether it did.
func ReleaseSlot(ctx context.Context, rdb *redis.Client, key, owner string) (bool, error) {
	if err := checkSlotArgs(rdb, key, owner); err != nil {
		return false, err
	}
	n, err := releaseSlotScript.Run(ctx, rdb, []string{key}, owner).Int()
	return n == 1, err
}

// SlotOwner returns the current holder of key, or "" when it is free.
func SlotOwner(ctx context.Context, rdb *redis.Client, key string) (string, error) {
	if rdb == nil {
		return "", errors.New("redis client is nil")
	}
	owner, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}
