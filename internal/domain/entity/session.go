package entity

import (
	"sync"
	"time"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// maxHistoryPerSession bounds the in-memory interaction ring.
const maxHistoryPerSession = 200

// Session is the per-client aggregate: a stable id, the current immutable
// state snapshot, and the interaction history. All mutation goes through
// methods holding the session's own lock; readers get copies.
type Session struct {
	mu sync.RWMutex

	id           string
	state        valueobject.SessionState
	history      []SessionInteraction
	agent        string
	createdAt    time.Time
	lastActiveAt time.Time
}

// NewSession creates a fresh session with default state.
func NewSession(id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidSessionID
	}
	now := time.Now().UTC()
	return &Session{
		id:           id,
		state:        valueobject.NewSessionState(),
		createdAt:    now,
		lastActiveAt: now,
	}, nil
}

// ReconstructSession rebuilds a session from persistence.
func ReconstructSession(
	id string,
	state valueobject.SessionState,
	history []SessionInteraction,
	agent string,
	createdAt, lastActiveAt time.Time,
) *Session {
	h := make([]SessionInteraction, len(history))
	copy(h, history)
	return &Session{
		id:           id,
		state:        state,
		history:      h,
		agent:        agent,
		createdAt:    createdAt,
		lastActiveAt: lastActiveAt,
	}
}

func (s *Session) ID() string { return s.id }

// State returns the current snapshot. The snapshot itself is immutable, so
// callers may hold it for the duration of a request.
func (s *Session) State() valueobject.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SwapState installs a new snapshot and bumps last-active time.
// lastActiveAt never moves backwards.
func (s *Session) SwapState(next valueobject.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
	if now := time.Now().UTC(); now.After(s.lastActiveAt) {
		s.lastActiveAt = now
	}
}

func (s *Session) Agent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agent
}

// SetAgent records the calling agent name once known (e.g. "cline").
func (s *Session) SetAgent(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent = agent
}

// AppendInteraction adds a record to the history, evicting the oldest
// entries beyond the ring bound.
func (s *Session) AppendInteraction(it SessionInteraction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, it)
	if len(s.history) > maxHistoryPerSession {
		s.history = s.history[len(s.history)-maxHistoryPerSession:]
	}
	if now := time.Now().UTC(); now.After(s.lastActiveAt) {
		s.lastActiveAt = now
	}
}

// History returns a copy of the interaction records.
func (s *Session) History() []SessionInteraction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionInteraction, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// Touch bumps last-active time without other changes.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := time.Now().UTC(); now.After(s.lastActiveAt) {
		s.lastActiveAt = now
	}
}

// IdleSince reports how long the session has been inactive at the given
// instant.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastActiveAt)
}
