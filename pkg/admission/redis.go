package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGate is a fixed-window rate limiter keyed per user, with a static
// policy blocklist checked before any Redis round-trip.
type RedisGate struct {
	rdb     *redis.Client
	limit   int64
	window  time.Duration
	blocked map[string]struct{}
}

// NewRedisGate creates a gate allowing limit operations per window per key.
// Keys in blocked are denied outright with ReasonBlocked.
func NewRedisGate(rdb *redis.Client, limit int64, window time.Duration, blocked []string) *RedisGate {
	bs := make(map[string]struct{}, len(blocked))
	for _, b := range blocked {
		bs[b] = struct{}{}
	}
	if limit <= 0 {
		limit = 1
	}
	if window < time.Second {
		window = time.Minute
	}
	return &RedisGate{rdb: rdb, limit: limit, window: window, blocked: bs}
}

// Admit counts cost against the key's current window. The INCRBY and the
// EXPIRE run in one pipeline so a counter can never be left without a TTL.
func (g *RedisGate) Admit(ctx context.Context, key string, cost int64) (Decision, error) {
	if _, ok := g.blocked[key]; ok {
		return Decision{Allowed: false, Reason: ReasonBlocked}, nil
	}

	now := time.Now()
	windowSecs := int64(g.window / time.Second)
	bucket := fmt.Sprintf("admission:%s:%d", key, now.Unix()/windowSecs)
	resetAfter := g.window - time.Duration(now.Unix()%windowSecs)*time.Second

	pipe := g.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, bucket, cost)
	pipe.Expire(ctx, bucket, g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("admission: redis: %w", err)
	}

	used := incr.Val()
	remaining := g.limit - used
	if remaining < 0 {
		remaining = 0
	}
	if used > g.limit {
		return Decision{
			Allowed:    false,
			Reason:     ReasonRateLimited,
			Remaining:  remaining,
			ResetAfter: resetAfter,
		}, nil
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAfter: resetAfter}, nil
}

// NewRedisClient dials Redis from a URL or a bare host:port address.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	opt, err := redis.ParseURL(fmt.Sprintf("redis://%s", addr))
	if err != nil {
		// Fallback to simple connection
		opt = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("admission: connect redis: %w", err)
	}
	return client, nil
}
