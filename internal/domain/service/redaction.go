package service

import (
	"sort"
	"strings"
	"sync"
)

// RedactedPlaceholder replaces every secret found in outbound text.
const RedactedPlaceholder = "(API_KEY_HAS_BEEN_REDACTED)"

// Redactor scrubs configured API keys and stray command syntax from
// outbound user text. Secrets can be swapped at runtime when configuration
// reloads.
type Redactor struct {
	mu            sync.RWMutex
	secrets       []string
	commandPrefix string
	enabled       bool
}

// NewRedactor builds a redactor over the given secrets. Secrets shorter
// than 8 characters are ignored to avoid mangling ordinary words.
func NewRedactor(secrets []string, commandPrefix string) *Redactor {
	r := &Redactor{commandPrefix: commandPrefix, enabled: true}
	r.SetSecrets(secrets)
	return r
}

// SetSecrets replaces the secret list, longest first so overlapping keys
// redact fully.
func (r *Redactor) SetSecrets(secrets []string) {
	filtered := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if len(s) >= 8 {
			filtered = append(filtered, s)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return len(filtered[i]) > len(filtered[j]) })
	r.mu.Lock()
	r.secrets = filtered
	r.mu.Unlock()
}

// SetEnabled toggles redaction process-wide.
func (r *Redactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

func (r *Redactor) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetCommandPrefix updates the prefix used for residue stripping.
func (r *Redactor) SetCommandPrefix(prefix string) {
	r.mu.Lock()
	r.commandPrefix = prefix
	r.mu.Unlock()
}

// RedactText masks every known secret in s.
func (r *Redactor) RedactText(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.enabled || s == "" {
		return s
	}
	for _, secret := range r.secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, RedactedPlaceholder)
		}
	}
	return s
}

// ScrubOutbound masks secrets and removes residual command syntax in s.
func (r *Redactor) ScrubOutbound(s string) string {
	s = r.RedactText(s)
	r.mu.RLock()
	prefix := r.commandPrefix
	enabled := r.enabled
	r.mu.RUnlock()
	if enabled && prefix != "" {
		s = StripCommandSyntax(s, prefix)
	}
	return s
}

// RedactRequest rewrites user-message text in place: secrets masked,
// command residue stripped. Non-text parts are untouched.
func (r *Redactor) RedactRequest(req *ChatRequest) {
	if !r.Enabled() {
		return
	}
	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role != RoleUser {
			continue
		}
		if !msg.Content.IsParts() {
			text := msg.Content.Text()
			if scrubbed := r.ScrubOutbound(text); scrubbed != text {
				msg.Content = NewTextContent(scrubbed)
			}
			continue
		}
		parts := msg.Content.Parts()
		changed := false
		for j, part := range parts {
			if !part.IsText() {
				continue
			}
			if scrubbed := r.ScrubOutbound(part.Text); scrubbed != part.Text {
				parts[j] = part.WithText(scrubbed)
				changed = true
			}
		}
		if changed {
			msg.Content = NewPartsContent(parts)
		}
	}
}

// RedactionMiddleware mirrors the outbound scrub on reply chunks so echoed
// prompts cannot leak secrets.
type RedactionMiddleware struct {
	redactor *Redactor
}

var _ ResponseMiddleware = (*RedactionMiddleware)(nil)

func NewRedactionMiddleware(redactor *Redactor) *RedactionMiddleware {
	return &RedactionMiddleware{redactor: redactor}
}

func (m *RedactionMiddleware) Name() string { return "redaction" }

func (m *RedactionMiddleware) Priority() int { return PriorityRedaction }

func (m *RedactionMiddleware) ProcessChunk(_ *StreamContext, item StreamingContent) (StreamingContent, error) {
	if item.Content == "" {
		return item, nil
	}
	redacted := m.redactor.RedactText(item.Content)
	if redacted == item.Content {
		return item, nil
	}
	return item.WithContent(redacted), nil
}

func (m *RedactionMiddleware) Finalize(*StreamContext) ([]StreamingContent, error) {
	return nil, nil
}
