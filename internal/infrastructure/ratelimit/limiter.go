// Package ratelimit implements the per-key sliding window the failover
// coordinator gates attempts on. Keys are attempt identities
// ("backend:model:keyName"); the in-memory limiter is the default and a
// redis-backed one shares the window across proxy instances.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Info is the outcome of a limit check.
type Info struct {
	IsLimited  bool
	Remaining  int
	Limit      int
	TimeWindow time.Duration
	// ResetAt is when the key frees up again; zero when not limited.
	ResetAt time.Time
}

// Limiter is the sliding-window contract. A zero or negative limit means
// the key is unlimited.
type Limiter interface {
	CheckLimit(ctx context.Context, key string) (Info, error)
	RecordUsage(ctx context.Context, key string, cost int) error
	// Penalize marks a key limited until the given time regardless of its
	// window, used to honor upstream Retry-After.
	Penalize(ctx context.Context, key string, until time.Time) error
	Reset(ctx context.Context, key string) error
	SetLimit(ctx context.Context, key string, limit int, window time.Duration) error
}

type limitConfig struct {
	limit  int
	window time.Duration
}

// MemoryLimiter is the in-process implementation.
type MemoryLimiter struct {
	mu        sync.Mutex
	defaults  limitConfig
	overrides map[string]limitConfig
	stamps    map[string][]time.Time
	penalties map[string]time.Time
	now       func() time.Time
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter builds a limiter with a default per-key limit. A
// non-positive limit disables limiting for keys without an override.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		defaults:  limitConfig{limit: limit, window: window},
		overrides: make(map[string]limitConfig),
		stamps:    make(map[string][]time.Time),
		penalties: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (l *MemoryLimiter) configFor(key string) limitConfig {
	if cfg, ok := l.overrides[key]; ok {
		return cfg
	}
	return l.defaults
}

func (l *MemoryLimiter) CheckLimit(_ context.Context, key string) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cfg := l.configFor(key)
	info := Info{Limit: cfg.limit, TimeWindow: cfg.window}

	if until, ok := l.penalties[key]; ok {
		if now.Before(until) {
			info.IsLimited = true
			info.ResetAt = until
			return info, nil
		}
		delete(l.penalties, key)
	}

	if cfg.limit <= 0 {
		info.Remaining = -1
		return info, nil
	}

	kept := l.purge(key, now, cfg.window)
	info.Remaining = cfg.limit - len(kept)
	if info.Remaining <= 0 {
		info.Remaining = 0
		info.IsLimited = true
		info.ResetAt = kept[0].Add(cfg.window)
	}
	return info, nil
}

func (l *MemoryLimiter) RecordUsage(_ context.Context, key string, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cfg := l.configFor(key)
	kept := l.purge(key, now, cfg.window)
	for i := 0; i < cost; i++ {
		kept = append(kept, now)
	}
	l.stamps[key] = kept
	return nil
}

func (l *MemoryLimiter) Penalize(_ context.Context, key string, until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.penalties[key]) {
		l.penalties[key] = until
	}
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.stamps, key)
	delete(l.penalties, key)
	return nil
}

func (l *MemoryLimiter) SetLimit(_ context.Context, key string, limit int, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[key] = limitConfig{limit: limit, window: window}
	return nil
}

// purge drops stamps strictly older than the window and returns the
// survivors, oldest first. Callers hold the mutex.
func (l *MemoryLimiter) purge(key string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	stamps := l.stamps[key]
	first := 0
	for first < len(stamps) && stamps[first].Before(cutoff) {
		first++
	}
	if first > 0 {
		stamps = append([]time.Time(nil), stamps[first:]...)
		if len(stamps) == 0 {
			delete(l.stamps, key)
		} else {
			l.stamps[key] = stamps
		}
	}
	return stamps
}
