package service

import (
	"strings"

	"github.com/google/uuid"
)

// Wire locations a session key may arrive in, checked in this order after
// the request body.
const (
	SessionIDHeader = "x-session-id"
	SessionIDCookie = "session_id"
)

// SessionResolver picks the session key for a request: body session_id,
// then the x-session-id header, then the session cookie, else a generated
// key. Resolution never fails.
type SessionResolver struct {
	prefix string
}

// NewSessionResolver builds a resolver whose generated keys start with
// prefix.
func NewSessionResolver(prefix string) *SessionResolver {
	if prefix == "" {
		prefix = "promptwire"
	}
	return &SessionResolver{prefix: prefix}
}

// Resolve returns the session key and whether it was freshly generated.
func (r *SessionResolver) Resolve(bodyID, headerID, cookieID string) (string, bool) {
	for _, candidate := range []string{bodyID, headerID, cookieID} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate, false
		}
	}
	return r.prefix + "-" + uuid.NewString(), true
}
