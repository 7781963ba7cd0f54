package service

import (
	"fmt"
	"strings"
)

// backendHandler switches the session's backend override. A backend that is
// registered but has no usable key clears the override so the session falls
// back to the process default.
type backendHandler struct {
	paramInfo
}

var _ ParameterHandler = (*backendHandler)(nil)

func newBackendHandler() *backendHandler {
	return &backendHandler{paramInfo{
		name:        "backend",
		aliases:     []string{"backend-type"},
		description: "Route this session's requests to the named backend.",
		examples:    []string{"set(backend=openrouter)"},
	}}
}

func (h *backendHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	name := strings.ToLower(strings.TrimSpace(value))
	if name == "" {
		return Fail("backend name required")
	}
	if !cctx.App.BackendRegistered(name) {
		return Fail(fmt.Sprintf("unknown backend %q (functional: %s)", name, joinOrNone(cctx.App.FunctionalBackends())))
	}
	if !containsString(cctx.App.FunctionalBackends(), name) {
		cleared := cctx.State.WithBackendConfig(cctx.State.BackendConfig().WithoutBackendType())
		return HandlerOutcome{
			Success:  false,
			Message:  fmt.Sprintf("backend %q has no usable API key; override cleared", name),
			NewState: &cleared,
		}
	}
	next := cctx.State.WithBackendConfig(cctx.State.BackendConfig().WithBackendType(name))
	return Succeed(fmt.Sprintf("backend set to %s", name), next)
}

func (h *backendHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithBackendConfig(cctx.State.BackendConfig().WithoutBackendType())
	return Succeed("backend override cleared", next)
}

// defaultBackendHandler changes the process-wide default backend, writing
// through to configuration when persistence is available.
type defaultBackendHandler struct {
	paramInfo
}

var _ ParameterHandler = (*defaultBackendHandler)(nil)

func newDefaultBackendHandler() *defaultBackendHandler {
	return &defaultBackendHandler{paramInfo{
		name:        "default-backend",
		description: "Change the default backend for every session.",
		examples:    []string{"set(default-backend=gemini)"},
	}}
}

func (h *defaultBackendHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	name := strings.ToLower(strings.TrimSpace(value))
	if name == "" {
		return Fail("backend name required")
	}
	if !cctx.App.BackendRegistered(name) {
		return Fail(fmt.Sprintf("unknown backend %q (functional: %s)", name, joinOrNone(cctx.App.FunctionalBackends())))
	}
	if !containsString(cctx.App.FunctionalBackends(), name) {
		return Fail(fmt.Sprintf("backend %q has no usable API key", name))
	}
	if err := cctx.App.SetDefaultBackend(name); err != nil {
		return Fail(fmt.Sprintf("failed to set default backend: %v", err))
	}
	return HandlerOutcome{Success: true, Message: fmt.Sprintf("default backend set to %s", name)}
}

func (h *defaultBackendHandler) Unset(cctx *CommandContext) HandlerOutcome {
	return Fail("default-backend cannot be unset; set another backend instead")
}

// modelHandler sets the session's model override. A qualified value
// ("backend:model" or "backend/model") switches the backend too.
type modelHandler struct {
	paramInfo
}

var _ ParameterHandler = (*modelHandler)(nil)

func newModelHandler() *modelHandler {
	return &modelHandler{paramInfo{
		name:        "model",
		description: "Pin the model for this session; may be qualified as backend:model.",
		examples:    []string{"set(model=gpt-4o)", "set(model=openrouter:qwen/qwen-2.5-72b)"},
	}}
}

func (h *modelHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	value = strings.TrimSpace(value)
	if value == "" {
		return Fail("model name required")
	}
	backend, model, qualified := SplitQualifiedModel(value)
	if !qualified {
		next := cctx.State.WithBackendConfig(cctx.State.BackendConfig().WithModel(model))
		return Succeed(fmt.Sprintf("model set to %s", model), next)
	}

	backend = strings.ToLower(backend)
	if !cctx.App.BackendRegistered(backend) {
		return Fail(fmt.Sprintf("unknown backend %q in model %q", backend, value))
	}
	if !containsString(cctx.App.FunctionalBackends(), backend) {
		return Fail(fmt.Sprintf("backend %q has no usable API key", backend))
	}

	note := ""
	if cctx.State.InteractiveMode() {
		models, err := cctx.App.BackendModels(cctx.Ctx, backend)
		switch {
		case err != nil:
			note = " (model list unavailable, accepted unverified)"
		case !containsString(models, model):
			return Fail(fmt.Sprintf("model %q is not known to backend %s", model, backend))
		}
	} else {
		note = " (unverified)"
	}

	bc := cctx.State.BackendConfig().WithBackendType(backend).WithModel(model)
	next := cctx.State.WithBackendConfig(bc)
	return Succeed(fmt.Sprintf("backend set to %s, model set to %s%s", backend, model, note), next)
}

func (h *modelHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithBackendConfig(cctx.State.BackendConfig().WithoutModel())
	return Succeed("model override cleared", next)
}

// openaiURLHandler points the openai backend at a custom compatible
// endpoint for this session.
type openaiURLHandler struct {
	paramInfo
}

var _ ParameterHandler = (*openaiURLHandler)(nil)

func newOpenAIURLHandler() *openaiURLHandler {
	return &openaiURLHandler{paramInfo{
		name:        "openai-url",
		aliases:     []string{"openai-base-url"},
		description: "Use a custom OpenAI-compatible base URL for this session.",
		examples:    []string{"set(openai-url=https://my-gateway.example.com/v1)"},
	}}
}

func (h *openaiURLHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	bc, err := cctx.State.BackendConfig().WithOpenAIURL(strings.TrimSpace(value))
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithBackendConfig(bc)
	return Succeed(fmt.Sprintf("openai url set to %s", bc.OpenAIURL()), next)
}

func (h *openaiURLHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithBackendConfig(cctx.State.BackendConfig().WithoutOpenAIURL())
	return Succeed("openai url cleared", next)
}

// interactiveHandler toggles interactive mode for the session.
type interactiveHandler struct {
	paramInfo
}

var _ ParameterHandler = (*interactiveHandler)(nil)

func newInteractiveHandler() *interactiveHandler {
	return &interactiveHandler{paramInfo{
		name:        "interactive",
		aliases:     []string{"interactive-mode"},
		description: "Toggle synthetic replies for command-only requests.",
		examples:    []string{"set(interactive=false)"},
	}}
}

func (h *interactiveHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	enabled, err := parseBoolValue(value)
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithInteractiveMode(enabled)
	if enabled {
		return Succeed("interactive mode enabled", next)
	}
	return Succeed("interactive mode disabled", next)
}

func (h *interactiveHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithInteractiveMode(true)
	return Succeed("interactive mode reset to enabled", next)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
