package hmacauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/config"
)

// ReplayCache binds signatures to the idempotency key they were first used
// with. Claim records sig for ttl and reports whether this use is allowed:
// the first use always is, a later one only with the same non-empty key.
type ReplayCache interface {
	Claim(ctx context.Context, sig, key string, ttl time.Duration) (bool, error)
}

type RedisReplayCache struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisReplayCache(rdb redis.UniversalClient) *RedisReplayCache {
	return &RedisReplayCache{rdb: rdb, prefix: "hmac_replay:"}
}

func (c *RedisReplayCache) Claim(ctx context.Context, sig, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.prefix+sig, key, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if key == "" {
		return false, nil
	}
	first, err := c.rdb.Get(ctx, c.prefix+sig).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return first == key, nil
}

type replayEntry struct {
	key     string
	expires time.Time
}

// MemoryReplayCache is a process-local cache for tests and single-node dev.
type MemoryReplayCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]replayEntry
}

func NewMemoryReplayCache(clk clock.Clock) *MemoryReplayCache {
	return &MemoryReplayCache{clock: clk, entries: make(map[string]replayEntry)}
}

func (c *MemoryReplayCache) Claim(_ context.Context, sig, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	if e, ok := c.entries[sig]; ok {
		return key != "" && e.key == key, nil
	}
	c.entries[sig] = replayEntry{key: key, expires: now.Add(ttl)}
	return true, nil
}

// ConnectRedis opens a client and pings it.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Second,
		ReadTimeout:  400 * time.Millisecond,
		WriteTimeout: 400 * time.Millisecond,
		PoolTimeout:  750 * time.Millisecond,
		MaxRetries:   1,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
