// Package ratelimit implements sliding-window request limits.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config sets the limit for one window.
type Config struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RedisLimiter keeps one sorted set per key, scored by request time, so
// the limit holds across API instances.
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
	seq    atomic.Uint64
}

func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.cfg.Limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	redisKey := l.key(key)
	windowStart := now.Add(-l.cfg.Window).UnixNano()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(l.seq.Add(1), 10)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart, 10))
	zcard := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, redisKey, l.cfg.Window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	count := int(zcard.Val())
	if count < l.cfg.Limit {
		return Decision{Allowed: true, Remaining: l.cfg.Limit - count - 1}, nil
	}

	// Rejected requests are not counted.
	if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("failed to undo rejected request: %w", err)
	}

	retry := l.cfg.Window
	if z := oldest.Val(); len(z) > 0 {
		retry = time.Duration(int64(z[0].Score)+l.cfg.Window.Nanoseconds()-now.UnixNano())
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

func (l *RedisLimiter) key(identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", identifier, l.cfg.Window.String())
}
