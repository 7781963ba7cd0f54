package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares the sliding window across proxy instances using one
// sorted set per key (member per use, scored by unix nanos) plus a plain
// key with TTL for Retry-After penalties. Limit configuration stays local;
// only usage state is shared.
type RedisLimiter struct {
	client    redis.UniversalClient
	prefix    string
	mu        sync.RWMutex
	defaults  limitConfig
	overrides map[string]limitConfig
	now       func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "promptwire:ratelimit"
	}
	return &RedisLimiter{
		client:    client,
		prefix:    prefix,
		defaults:  limitConfig{limit: limit, window: window},
		overrides: make(map[string]limitConfig),
		now:       time.Now,
	}
}

func (l *RedisLimiter) configFor(key string) limitConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.overrides[key]; ok {
		return cfg
	}
	return l.defaults
}

func (l *RedisLimiter) usageKey(key string) string   { return l.prefix + ":" + key }
func (l *RedisLimiter) penaltyKey(key string) string { return l.prefix + ":penalty:" + key }

func (l *RedisLimiter) CheckLimit(ctx context.Context, key string) (Info, error) {
	now := l.now()
	cfg := l.configFor(key)
	info := Info{Limit: cfg.limit, TimeWindow: cfg.window}

	ttl, err := l.client.PTTL(ctx, l.penaltyKey(key)).Result()
	if err != nil && err != redis.Nil {
		return info, fmt.Errorf("rate limit penalty check: %w", err)
	}
	if ttl > 0 {
		info.IsLimited = true
		info.ResetAt = now.Add(ttl)
		return info, nil
	}

	if cfg.limit <= 0 {
		info.Remaining = -1
		return info, nil
	}

	usage := l.usageKey(key)
	cutoff := now.Add(-cfg.window).UnixNano()
	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, usage, "0", fmt.Sprintf("%d", cutoff))
	count := pipe.ZCard(ctx, usage)
	oldest := pipe.ZRangeWithScores(ctx, usage, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return info, fmt.Errorf("rate limit check: %w", err)
	}

	used := int(count.Val())
	info.Remaining = cfg.limit - used
	if info.Remaining <= 0 {
		info.Remaining = 0
		info.IsLimited = true
		if scores := oldest.Val(); len(scores) > 0 {
			info.ResetAt = time.Unix(0, int64(scores[0].Score)).Add(cfg.window)
		} else {
			info.ResetAt = now.Add(cfg.window)
		}
	}
	return info, nil
}

func (l *RedisLimiter) RecordUsage(ctx context.Context, key string, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	cfg := l.configFor(key)
	now := l.now()
	usage := l.usageKey(key)

	members := make([]redis.Z, 0, cost)
	for i := 0; i < cost; i++ {
		members = append(members, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString()),
		})
	}
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, usage, members...)
	if cfg.window > 0 {
		pipe.Expire(ctx, usage, cfg.window)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Penalize(ctx context.Context, key string, until time.Time) error {
	d := time.Until(until)
	if d <= 0 {
		return nil
	}
	if err := l.client.Set(ctx, l.penaltyKey(key), 1, d).Err(); err != nil {
		return fmt.Errorf("rate limit penalize: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.usageKey(key), l.penaltyKey(key)).Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}

func (l *RedisLimiter) SetLimit(_ context.Context, key string, limit int, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[key] = limitConfig{limit: limit, window: window}
	return nil
}
