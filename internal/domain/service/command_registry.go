package service

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// CommandResult is the outcome of one executed command. A successful result
// carrying Data means "state changed, also call the backend"; an empty Data
// means the request can terminate with a synthetic reply.
type CommandResult struct {
	Name    string
	Success bool
	Message string
	Data    map[string]any
}

// ApplicationState is the narrow capability through which command handlers
// read and mutate process-wide settings. Persistent setters write through
// to configuration when a persistence capability is bound.
type ApplicationState interface {
	AppName() string
	AppVersion() string

	CommandPrefix() string
	SetCommandPrefix(prefix string) error

	DefaultBackend() string
	SetDefaultBackend(backend string) error

	RedactionEnabled() bool
	SetRedactionEnabled(enabled bool)

	// FunctionalBackends lists registered backends that have at least one
	// usable API key.
	FunctionalBackends() []string
	BackendRegistered(name string) bool
	// BackendModels asks the adapter for its model list; used for
	// interactive model validation.
	BackendModels(ctx context.Context, backend string) ([]string, error)

	// ThinkingBudgetLocked reports a process-level thinking-budget override
	// that takes precedence over interactive changes.
	ThinkingBudgetLocked() bool
}

// CommandContext carries everything a command invocation may touch. State
// evolves across commands of one request in document order.
type CommandContext struct {
	Ctx       context.Context
	SessionID string
	State     valueobject.SessionState
	App       ApplicationState
}

// Command is a directly invocable DSL command, e.g. set, hello,
// create-failover-route.
type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Examples() []string
	// Interactive marks commands that are disabled when interactive
	// commands are turned off process-wide.
	Interactive() bool
	Execute(cctx *CommandContext, args []CommandArg) CommandResult
}

// ParameterHandler applies one settable session parameter, reached through
// the set and unset commands.
type ParameterHandler interface {
	Name() string
	Aliases() []string
	Description() string
	Examples() []string
	CanHandle(param string) bool
	// Handle applies value onto cctx.State and returns the outcome.
	Handle(cctx *CommandContext, value string) HandlerOutcome
	// Unset restores the parameter's default.
	Unset(cctx *CommandContext) HandlerOutcome
}

// HandlerOutcome is a parameter handler's verdict. NewState is nil when the
// state did not change.
type HandlerOutcome struct {
	Success  bool
	Message  string
	NewState *valueobject.SessionState
	Data     map[string]any
}

// Succeed builds a successful outcome with a state change.
func Succeed(message string, state valueobject.SessionState) HandlerOutcome {
	return HandlerOutcome{Success: true, Message: message, NewState: &state}
}

// SucceedWithData builds a successful outcome whose Data keeps the request
// flowing to a backend.
func SucceedWithData(message string, state valueobject.SessionState, data map[string]any) HandlerOutcome {
	return HandlerOutcome{Success: true, Message: message, NewState: &state, Data: data}
}

// Fail builds a failed outcome; the state stays unchanged.
func Fail(message string) HandlerOutcome {
	return HandlerOutcome{Success: false, Message: message}
}

// NormalizeCommandName lowercases and maps underscores to dashes so
// tool_loop_max_repeats and tool-loop-max-repeats address the same thing.
func NormalizeCommandName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// CommandRegistry maps names and aliases to commands and parameter
// handlers. Registration happens at startup; lookups are concurrent.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]Command
	order    []string
	handlers []ParameterHandler
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: make(map[string]Command)}
}

// RegisterCommand indexes cmd under its name and aliases. Later
// registrations replace earlier ones.
func (r *CommandRegistry) RegisterCommand(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := NormalizeCommandName(cmd.Name())
	if _, exists := r.commands[name]; !exists {
		r.order = append(r.order, name)
	}
	r.commands[name] = cmd
	for _, alias := range cmd.Aliases() {
		r.commands[NormalizeCommandName(alias)] = cmd
	}
}

// RegisterHandler adds a parameter handler reached via set/unset.
func (r *CommandRegistry) RegisterHandler(h ParameterHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Lookup resolves a command by normalized name or alias.
func (r *CommandRegistry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[NormalizeCommandName(name)]
	return cmd, ok
}

// HandlerFor finds the parameter handler claiming param.
func (r *CommandRegistry) HandlerFor(param string) (ParameterHandler, bool) {
	normalized := NormalizeCommandName(param)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.CanHandle(normalized) {
			return h, true
		}
	}
	return nil, false
}

// Commands returns the distinct registered commands in registration order.
func (r *CommandRegistry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.order))
	for _, name := range r.order {
		if cmd, ok := r.commands[name]; ok {
			out = append(out, cmd)
		}
	}
	return out
}

// Handlers returns the parameter handlers sorted by name.
func (r *CommandRegistry) Handlers() []ParameterHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ParameterHandler, len(r.handlers))
	copy(out, r.handlers)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
