// Package backend holds the upstream LLM adapters. Each adapter speaks one
// provider wire format and emits the canonical OpenAI-compatible shapes, so
// everything above the adapter (middleware, failover, HTTP surface) only
// ever sees one format.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/service"
)

// Request is one upstream attempt: the canonical request plus everything
// the failover coordinator resolved for this try.
type Request struct {
	Chat  service.ChatRequest
	Model string
	// APIKey is the key picked for this attempt; key rotation happens in
	// the failover layer, never inside an adapter.
	APIKey string
	Stream bool
	// BaseURLOverride points the adapter at a different compatible
	// endpoint (session openai-url override).
	BaseURLOverride string

	ThinkingBudget  int
	ReasoningEffort string
	// RawReasoning is passed through as the request's "reasoning" object on
	// backends that accept one (OpenRouter-style endpoints).
	RawReasoning map[string]any
	// GeminiGenerationConfig holds extra generationConfig keys merged into
	// Gemini requests.
	GeminiGenerationConfig map[string]any
}

// Response is a buffered non-streaming upstream reply, already converted
// to the OpenAI chat-completion shape.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Stream is an in-flight streaming reply. Chunks closes when the upstream
// finishes; Err reports the terminal error afterwards, nil on clean end.
type Stream struct {
	Header http.Header
	Chunks <-chan service.StreamingContent
	Err    func() error
}

// Backend adapts one provider API.
type Backend interface {
	Name() string
	// Complete posts a non-streaming request. Non-2xx statuses surface as
	// *service.UpstreamStatusError so failover can classify them.
	Complete(ctx context.Context, req Request) (*Response, error)
	// OpenStream posts a streaming request. The upstream status is known
	// before the first chunk, so pre-stream failures return an error and
	// never a partial stream.
	OpenStream(ctx context.Context, req Request) (*Stream, error)
	// Models lists the backend's model identifiers.
	Models(ctx context.Context, apiKey string) ([]string, error)
}

// Config is the static per-backend wiring from configuration.
type Config struct {
	Name    string
	Type    string
	BaseURL string
	Timeout time.Duration
	// ExtraHeaders go on every upstream request, e.g. the identity
	// headers some aggregators want.
	ExtraHeaders map[string]string
}

// Factory creates a Backend from config. Adapters register themselves via
// init() in their own package; adding a provider type means implementing
// Backend and calling RegisterFactory.
type Factory func(cfg Config, logger *zap.Logger) Backend

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers an adapter factory under a type name.
func RegisterFactory(typeName string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// Create builds a Backend using the registered factory for cfg.Type,
// defaulting to "openai".
func Create(cfg Config, logger *zap.Logger) (Backend, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}
	factoryMu.RLock()
	factory, ok := factories[t]
	available := make([]string, 0, len(factories))
	for k := range factories {
		available = append(available, k)
	}
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend type %q (available: %v)", t, available)
	}
	return factory(cfg, logger), nil
}
