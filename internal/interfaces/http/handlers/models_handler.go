package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/infrastructure/backend"
)

// fallbackModels keeps /models useful when an upstream listing call fails;
// the ids are current well-known models per provider.
var fallbackModels = map[string][]string{
	"openai":     {"gpt-4o", "gpt-4o-mini", "gpt-4.1", "o3-mini"},
	"anthropic":  {"claude-sonnet-4-0", "claude-opus-4-1", "claude-3-5-haiku-latest"},
	"gemini":     {"gemini-2.5-pro", "gemini-2.5-flash"},
	"openrouter": {"deepseek/deepseek-chat", "meta-llama/llama-3.3-70b-instruct"},
}

// ModelEntry is one row of the OpenAI-shaped model list.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsHandler aggregates model listings across every functional backend.
type ModelsHandler struct {
	registry *backend.Registry
	logger   *zap.Logger
}

func NewModelsHandler(registry *backend.Registry, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "models_handler")),
	}
}

// ListModels handles GET /models and GET /v1/models. Every model id is
// qualified as backend:model so it can be sent straight back in a chat
// request. The endpoint always answers 200; a backend whose listing call
// fails contributes its fallback set instead.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	now := time.Now().Unix()
	entries := make([]ModelEntry, 0, 16)

	for _, name := range h.registry.Functional() {
		adapter, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		apiKey := ""
		if key, ok := h.registry.FirstKey(name); ok {
			apiKey = key.Value
		}

		models, err := adapter.Models(c.Request.Context(), apiKey)
		if err != nil || len(models) == 0 {
			if err != nil {
				h.logger.Warn("model listing failed, using fallback",
					zap.String("backend", name), zap.Error(err))
			}
			models = fallbackModels[name]
		}
		for _, m := range models {
			entries = append(entries, ModelEntry{
				ID:      name + ":" + m,
				Object:  "model",
				Created: now,
				OwnedBy: name,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": entries})
}
