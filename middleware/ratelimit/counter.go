package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the key and starts its window on the first
// hit. Returns the hit count and the milliseconds left in the window.
var fixedWindowScript = redis.NewScript(`
	local hits = redis.call('INCR', KEYS[1])
	if hits == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return { hits, ttl }
`)

// RedisCounter shares windows across instances through Redis.
type RedisCounter struct {
	client redis.Scripter
}

func NewRedisCounter(client redis.Scripter) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := fixedWindowScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}

	arr, ok := vals.([]any)
	if !ok || len(arr) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected script result %#v", vals)
	}

	hits, ok := arr[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("ratelimit: unexpected hit count %#v", arr[0])
	}
	ttl, ok := arr[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("ratelimit: unexpected ttl %#v", arr[1])
	}

	return hits, time.Duration(ttl) * time.Millisecond, nil
}

type window struct {
	hits    int64
	resetAt time.Time
}

// MemoryCounter keeps windows in process. Used when no Redis is configured.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	lastGC  time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// WithNow replaces the clock, for tests.
func (c *MemoryCounter) WithNow(now func() time.Time) *MemoryCounter {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func (c *MemoryCounter) Incr(_ context.Context, key string, length time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.gc(now, length)

	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(length)}
		c.windows[key] = w
	}
	w.hits++

	return w.hits, w.resetAt.Sub(now), nil
}

// gc drops finished windows at most once per window length.
func (c *MemoryCounter) gc(now time.Time, length time.Duration) {
	if now.Sub(c.lastGC) < length {
		return
	}
	c.lastGC = now
	for key, w := range c.windows {
		if !now.Before(w.resetAt) {
			delete(c.windows, key)
		}
	}
}
