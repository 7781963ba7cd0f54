package repository

import (
	"context"

	"github.com/promptwire/promptwire/internal/domain/entity"
)

// SessionRepository maps session ids to live sessions. GetOrCreate never
// fails for a non-empty id; ids stay stable for the duration of a request.
type SessionRepository interface {
	// GetOrCreate returns the session for id, constructing one with default
	// state on first reference.
	GetOrCreate(ctx context.Context, id string) (*entity.Session, error)

	// Find returns the session or entity.ErrSessionNotFound.
	Find(ctx context.Context, id string) (*entity.Session, error)

	// Save persists the session's current snapshot and history. In-memory
	// implementations may treat this as a no-op beyond bookkeeping.
	Save(ctx context.Context, session *entity.Session) error

	// Delete removes the session, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Count returns the number of live sessions.
	Count(ctx context.Context) (int64, error)
}
