package entity

import "time"

// Interaction handlers: who produced the reply.
const (
	HandlerProxy   = "proxy"
	HandlerBackend = "backend"
)

// SessionInteraction is one request/reply record in a session's history.
// It is a plain record; the session lock guards the containing slice.
type SessionInteraction struct {
	Prompt     string
	Handler    string
	Backend    string
	Model      string
	Project    string
	Parameters map[string]any
	Response   string
	Usage      map[string]int
	Timestamp  time.Time
}

// NewProxyInteraction records a command-only exchange answered by the proxy
// itself.
func NewProxyInteraction(prompt, response string) SessionInteraction {
	return SessionInteraction{
		Prompt:    prompt,
		Handler:   HandlerProxy,
		Response:  response,
		Timestamp: time.Now().UTC(),
	}
}

// NewBackendInteraction records an exchange forwarded to an upstream model.
func NewBackendInteraction(prompt, backend, model, project string) SessionInteraction {
	return SessionInteraction{
		Prompt:    prompt,
		Handler:   HandlerBackend,
		Backend:   backend,
		Model:     model,
		Project:   project,
		Timestamp: time.Now().UTC(),
	}
}
