// Package persistence implements the session store: an in-memory map for
// the default single-process deployment and a gorm-backed variant that
// survives restarts.
package persistence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/entity"
	"github.com/promptwire/promptwire/internal/domain/repository"
	"github.com/promptwire/promptwire/pkg/safego"
)

// MemorySessionRepository keeps sessions in a map and evicts the ones idle
// past the TTL. A non-positive TTL disables eviction.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entity.Session
	ttl      time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

var _ repository.SessionRepository = (*MemorySessionRepository)(nil)

// NewMemorySessionRepository builds the store and starts the TTL sweeper.
func NewMemorySessionRepository(ttl time.Duration, logger *zap.Logger) *MemorySessionRepository {
	r := &MemorySessionRepository{
		sessions: make(map[string]*entity.Session),
		ttl:      ttl,
		logger:   logger.With(zap.String("component", "session_store")),
		stop:     make(chan struct{}),
	}
	if ttl > 0 {
		safego.Go(r.logger, "session-sweeper", r.sweep)
	}
	return r
}

func (r *MemorySessionRepository) GetOrCreate(_ context.Context, id string) (*entity.Session, error) {
	if id == "" {
		return nil, entity.ErrInvalidSessionID
	}
	r.mu.RLock()
	if s, ok := r.sessions[id]; ok {
		r.mu.RUnlock()
		s.Touch()
		return s, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Touch()
		return s, nil
	}
	s, err := entity.NewSession(id)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = s
	return s, nil
}

func (r *MemorySessionRepository) Find(_ context.Context, id string) (*entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	return nil, entity.ErrSessionNotFound
}

// Save is a no-op beyond presence; the map holds the live aggregate.
func (r *MemorySessionRepository) Save(_ context.Context, session *entity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID()] = session
	return nil
}

func (r *MemorySessionRepository) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false, nil
	}
	delete(r.sessions, id)
	return true, nil
}

func (r *MemorySessionRepository) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.sessions)), nil
}

// Close stops the sweeper.
func (r *MemorySessionRepository) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *MemorySessionRepository) sweep() {
	interval := r.ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.evictIdle(now)
		}
	}
}

func (r *MemorySessionRepository) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.sessions {
		if s.IdleSince(now) > r.ttl {
			delete(r.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Debug("evicted idle sessions",
			zap.Int("count", evicted),
			zap.Int("remaining", len(r.sessions)))
	}
}
