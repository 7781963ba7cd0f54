package service

import (
	"fmt"
	"strings"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// cmdInfo carries the descriptive metadata shared by all commands.
type cmdInfo struct {
	name        string
	aliases     []string
	description string
	usage       string
	examples    []string
	interactive bool
}

func (c cmdInfo) Name() string        { return c.name }
func (c cmdInfo) Aliases() []string   { return c.aliases }
func (c cmdInfo) Description() string { return c.description }
func (c cmdInfo) Usage() string       { return c.usage }
func (c cmdInfo) Examples() []string  { return c.examples }
func (c cmdInfo) Interactive() bool   { return c.interactive }

// setCommand applies key=value pairs through the parameter handlers, in
// argument order. A handler may change state even when it reports failure
// (for example clearing a dead backend override).
type setCommand struct {
	cmdInfo
	registry *CommandRegistry
}

var _ Command = (*setCommand)(nil)

func newSetCommand(registry *CommandRegistry) *setCommand {
	return &setCommand{
		cmdInfo: cmdInfo{
			name:        "set",
			description: "Change one or more session parameters.",
			usage:       "set(key=value, ...)",
			examples:    []string{"set(backend=openrouter, model=gpt-4o)", "set(temperature=0.2)"},
		},
		registry: registry,
	}
}

func (c *setCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	if len(args) == 0 {
		return CommandResult{Name: c.name, Success: false, Message: "usage: " + c.usage}
	}
	var (
		lines   []string
		data    map[string]any
		success = true
	)
	for _, arg := range args {
		if !arg.HasValue {
			lines = append(lines, fmt.Sprintf("%s: missing value (use unset(%s) to clear)", arg.Key, arg.Key))
			success = false
			continue
		}
		handler, ok := c.registry.HandlerFor(NormalizeCommandName(arg.Key))
		if !ok {
			lines = append(lines, fmt.Sprintf("unknown parameter %q", arg.Key))
			success = false
			continue
		}
		outcome := handler.Handle(cctx, arg.Value)
		if outcome.NewState != nil {
			cctx.State = *outcome.NewState
		}
		if !outcome.Success {
			success = false
		}
		if outcome.Message != "" {
			lines = append(lines, outcome.Message)
		}
		for k, v := range outcome.Data {
			if data == nil {
				data = make(map[string]any)
			}
			data[k] = v
		}
	}
	return CommandResult{Name: c.name, Success: success, Message: strings.Join(lines, "\n"), Data: data}
}

// unsetCommand restores parameters to their defaults.
type unsetCommand struct {
	cmdInfo
	registry *CommandRegistry
}

var _ Command = (*unsetCommand)(nil)

func newUnsetCommand(registry *CommandRegistry) *unsetCommand {
	return &unsetCommand{
		cmdInfo: cmdInfo{
			name:        "unset",
			description: "Restore one or more session parameters to their defaults.",
			usage:       "unset(key, ...)",
			examples:    []string{"unset(model)", "unset(temperature, backend)"},
		},
		registry: registry,
	}
}

func (c *unsetCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	if len(args) == 0 {
		return CommandResult{Name: c.name, Success: false, Message: "usage: " + c.usage}
	}
	var (
		lines   []string
		success = true
	)
	for _, arg := range args {
		handler, ok := c.registry.HandlerFor(NormalizeCommandName(arg.Key))
		if !ok {
			lines = append(lines, fmt.Sprintf("unknown parameter %q", arg.Key))
			success = false
			continue
		}
		outcome := handler.Unset(cctx)
		if outcome.NewState != nil {
			cctx.State = *outcome.NewState
		}
		if !outcome.Success {
			success = false
		}
		if outcome.Message != "" {
			lines = append(lines, outcome.Message)
		}
	}
	return CommandResult{Name: c.name, Success: success, Message: strings.Join(lines, "\n")}
}

// helloCommand requests the welcome banner in the synthetic reply.
type helloCommand struct {
	cmdInfo
}

var _ Command = (*helloCommand)(nil)

func newHelloCommand() *helloCommand {
	return &helloCommand{cmdInfo{
		name:        "hello",
		description: "Show the proxy banner with functional backends.",
		usage:       "hello",
		interactive: true,
	}}
}

func (c *helloCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	cctx.State = cctx.State.WithHelloRequested(true)
	return CommandResult{Name: c.name, Success: true}
}

// helpCommand lists commands and parameters, or details one of them.
type helpCommand struct {
	cmdInfo
	registry *CommandRegistry
}

var _ Command = (*helpCommand)(nil)

func newHelpCommand(registry *CommandRegistry) *helpCommand {
	return &helpCommand{
		cmdInfo: cmdInfo{
			name:        "help",
			description: "List available commands, or describe one.",
			usage:       "help(command?)",
			examples:    []string{"help", "help(set)"},
			interactive: true,
		},
		registry: registry,
	}
}

func (c *helpCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	if topic, ok := ArgValue(args, 0, "topic"); ok {
		return c.describe(topic)
	}
	return CommandResult{Name: c.name, Success: true, Message: c.overview(cctx)}
}

func (c *helpCommand) describe(topic string) CommandResult {
	normalized := NormalizeCommandName(topic)
	if cmd, ok := c.registry.Lookup(normalized); ok {
		var b strings.Builder
		fmt.Fprintf(&b, "%s: %s\n", cmd.Name(), cmd.Description())
		if cmd.Usage() != "" {
			fmt.Fprintf(&b, "usage: %s\n", cmd.Usage())
		}
		for _, ex := range cmd.Examples() {
			fmt.Fprintf(&b, "example: %s\n", ex)
		}
		return CommandResult{Name: c.name, Success: true, Message: strings.TrimRight(b.String(), "\n")}
	}
	if handler, ok := c.registry.HandlerFor(normalized); ok {
		var b strings.Builder
		fmt.Fprintf(&b, "%s: %s\n", handler.Name(), handler.Description())
		for _, ex := range handler.Examples() {
			fmt.Fprintf(&b, "example: %s\n", ex)
		}
		return CommandResult{Name: c.name, Success: true, Message: strings.TrimRight(b.String(), "\n")}
	}
	return CommandResult{Name: c.name, Success: false, Message: fmt.Sprintf("no help for %q", topic)}
}

func (c *helpCommand) overview(cctx *CommandContext) string {
	var b strings.Builder
	prefix := cctx.App.CommandPrefix()
	b.WriteString("Commands:\n")
	for _, cmd := range c.registry.Commands() {
		fmt.Fprintf(&b, "  %s%s - %s\n", prefix, cmd.Name(), cmd.Description())
	}
	b.WriteString("Parameters (via set/unset):\n")
	for _, handler := range c.registry.Handlers() {
		fmt.Fprintf(&b, "  %s - %s\n", handler.Name(), handler.Description())
	}
	fmt.Fprintf(&b, "Use %shelp(name) for details.", prefix)
	return b.String()
}

// oneoffCommand arms a single-shot backend/model override consumed by the
// next dispatched request.
type oneoffCommand struct {
	cmdInfo
}

var _ Command = (*oneoffCommand)(nil)

func newOneoffCommand() *oneoffCommand {
	return &oneoffCommand{cmdInfo{
		name:        "oneoff",
		aliases:     []string{"one-off"},
		description: "Use the given backend/model for exactly one request.",
		usage:       "oneoff(backend/model)",
		examples:    []string{"oneoff(gemini/gemini-2.5-flash)"},
	}}
}

func (c *oneoffCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	spec, ok := ArgValue(args, 0, "target")
	if !ok {
		return CommandResult{Name: c.name, Success: false, Message: "usage: " + c.usage}
	}
	route, err := valueobject.NewOneoffRoute(spec)
	if err != nil {
		return CommandResult{Name: c.name, Success: false, Message: err.Error()}
	}
	backend := strings.ToLower(route.Backend())
	if !cctx.App.BackendRegistered(backend) {
		return CommandResult{Name: c.name, Success: false, Message: fmt.Sprintf("unknown backend %q", backend)}
	}
	if !containsString(cctx.App.FunctionalBackends(), backend) {
		return CommandResult{Name: c.name, Success: false, Message: fmt.Sprintf("backend %q has no usable API key", backend)}
	}
	cctx.State = cctx.State.WithBackendConfig(cctx.State.BackendConfig().WithOneoff(route))
	return CommandResult{
		Name:    c.name,
		Success: true,
		Message: fmt.Sprintf("next request will use %s/%s once", backend, route.Model()),
	}
}

// createFailoverRouteCommand defines a new named, empty failover route.
type createFailoverRouteCommand struct {
	cmdInfo
}

var _ Command = (*createFailoverRouteCommand)(nil)

func newCreateFailoverRouteCommand() *createFailoverRouteCommand {
	return &createFailoverRouteCommand{cmdInfo{
		name:        "create-failover-route",
		description: "Create an empty failover route with a policy (k, m, km, mk).",
		usage:       "create-failover-route(name, policy)",
		examples:    []string{"create-failover-route(main, km)"},
	}}
}

func (c *createFailoverRouteCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	name, okName := ArgValue(args, 0, "name")
	policy, okPolicy := ArgValue(args, 1, "policy")
	if !okName || !okPolicy {
		return CommandResult{Name: c.name, Success: false, Message: "usage: " + c.usage}
	}
	route, err := valueobject.NewFailoverRoute(name, strings.ToLower(policy))
	if err != nil {
		return CommandResult{Name: c.name, Success: false, Message: err.Error()}
	}
	cctx.State = cctx.State.WithBackendConfig(cctx.State.BackendConfig().WithFailoverRoute(route))
	return CommandResult{
		Name:    c.name,
		Success: true,
		Message: fmt.Sprintf("failover route %q created with policy %s", name, route.Policy()),
	}
}

// deleteFailoverRouteCommand removes a named route.
type deleteFailoverRouteCommand struct {
	cmdInfo
}

var _ Command = (*deleteFailoverRouteCommand)(nil)

func newDeleteFailoverRouteCommand() *deleteFailoverRouteCommand {
	return &deleteFailoverRouteCommand{cmdInfo{
		name:        "delete-failover-route",
		description: "Delete a failover route.",
		usage:       "delete-failover-route(name)",
	}}
}

func (c *deleteFailoverRouteCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	name, ok := ArgValue(args, 0, "name")
	if !ok {
		return CommandResult{Name: c.name, Success: false, Message: "usage: " + c.usage}
	}
	bc := cctx.State.BackendConfig()
	if _, exists := bc.FailoverRoute(name); !exists {
		return CommandResult{Name: c.name, Success: false, Message: fmt.Sprintf("no failover route named %q", name)}
	}
	cctx.State = cctx.State.WithBackendConfig(bc.WithoutFailoverRoute(name))
	return CommandResult{Name: c.name, Success: true, Message: fmt.Sprintf("failover route %q deleted", name)}
}

// routeAppendCommand adds an element at the end of a route.
type routeAppendCommand struct {
	cmdInfo
}

var _ Command = (*routeAppendCommand)(nil)

func newRouteAppendCommand() *routeAppendCommand {
	return &routeAppendCommand{cmdInfo{
		name:        "route-append",
		description: "Append a backend:model element to a failover route.",
		usage:       "route-append(name, backend:model)",
		examples:    []string{"route-append(main, openrouter:qwen/qwen-2.5-72b)"},
	}}
}

func (c *routeAppendCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	return mutateRoute(c.name, c.usage, cctx, args, func(r valueobject.FailoverRoute, element string) (valueobject.FailoverRoute, string, error) {
		next, err := r.WithAppended(element)
		return next, fmt.Sprintf("appended %s to route %q", element, r.Name()), err
	})
}

// routePrependCommand adds an element at the front of a route.
type routePrependCommand struct {
	cmdInfo
}

var _ Command = (*routePrependCommand)(nil)

func newRoutePrependCommand() *routePrependCommand {
	return &routePrependCommand{cmdInfo{
		name:        "route-prepend",
		description: "Prepend a backend:model element to a failover route.",
		usage:       "route-prepend(name, backend:model)",
	}}
}

func (c *routePrependCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	return mutateRoute(c.name, c.usage, cctx, args, func(r valueobject.FailoverRoute, element string) (valueobject.FailoverRoute, string, error) {
		next, err := r.WithPrepended(element)
		return next, fmt.Sprintf("prepended %s to route %q", element, r.Name()), err
	})
}

// routeClearCommand empties a route, keeping its name and policy.
type routeClearCommand struct {
	cmdInfo
}

var _ Command = (*routeClearCommand)(nil)

func newRouteClearCommand() *routeClearCommand {
	return &routeClearCommand{cmdInfo{
		name:        "route-clear",
		description: "Remove all elements from a failover route.",
		usage:       "route-clear(name)",
	}}
}

func (c *routeClearCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	name, ok := ArgValue(args, 0, "name")
	if !ok {
		return CommandResult{Name: c.name, Success: false, Message: "usage: " + c.usage}
	}
	bc := cctx.State.BackendConfig()
	route, exists := bc.FailoverRoute(name)
	if !exists {
		return CommandResult{Name: c.name, Success: false, Message: fmt.Sprintf("no failover route named %q", name)}
	}
	cctx.State = cctx.State.WithBackendConfig(bc.WithFailoverRoute(route.WithCleared()))
	return CommandResult{Name: c.name, Success: true, Message: fmt.Sprintf("failover route %q cleared", name)}
}

// routeListCommand shows one route's elements.
type routeListCommand struct {
	cmdInfo
}

var _ Command = (*routeListCommand)(nil)

func newRouteListCommand() *routeListCommand {
	return &routeListCommand{cmdInfo{
		name:        "route-list",
		description: "Show the elements of a failover route.",
		usage:       "route-list(name)",
	}}
}

func (c *routeListCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	name, ok := ArgValue(args, 0, "name")
	if !ok {
		return CommandResult{Name: c.name, Success: false, Message: "usage: " + c.usage}
	}
	route, exists := cctx.State.BackendConfig().FailoverRoute(name)
	if !exists {
		return CommandResult{Name: c.name, Success: false, Message: fmt.Sprintf("no failover route named %q", name)}
	}
	elements := route.Elements()
	if len(elements) == 0 {
		return CommandResult{
			Name:    c.name,
			Success: true,
			Message: fmt.Sprintf("route %q (policy %s) is empty", name, route.Policy()),
		}
	}
	return CommandResult{
		Name:    c.name,
		Success: true,
		Message: fmt.Sprintf("route %q (policy %s): %s", name, route.Policy(), strings.Join(elements, ", ")),
	}
}

// listFailoverRoutesCommand shows every route of the session.
type listFailoverRoutesCommand struct {
	cmdInfo
}

var _ Command = (*listFailoverRoutesCommand)(nil)

func newListFailoverRoutesCommand() *listFailoverRoutesCommand {
	return &listFailoverRoutesCommand{cmdInfo{
		name:        "list-failover-routes",
		aliases:     []string{"routes"},
		description: "List the session's failover routes.",
		usage:       "list-failover-routes",
	}}
}

func (c *listFailoverRoutesCommand) Execute(cctx *CommandContext, args []CommandArg) CommandResult {
	bc := cctx.State.BackendConfig()
	names := bc.FailoverRouteNames()
	if len(names) == 0 {
		return CommandResult{Name: c.name, Success: true, Message: "no failover routes defined"}
	}
	var lines []string
	for _, name := range names {
		route, _ := bc.FailoverRoute(name)
		lines = append(lines, fmt.Sprintf("%s (policy %s, %d elements)", name, route.Policy(), route.Len()))
	}
	return CommandResult{Name: c.name, Success: true, Message: strings.Join(lines, "\n")}
}

func mutateRoute(cmdName, usage string, cctx *CommandContext, args []CommandArg, fn func(valueobject.FailoverRoute, string) (valueobject.FailoverRoute, string, error)) CommandResult {
	name, okName := ArgValue(args, 0, "name")
	element, okElement := ArgValue(args, 1, "element")
	if !okName || !okElement {
		return CommandResult{Name: cmdName, Success: false, Message: "usage: " + usage}
	}
	bc := cctx.State.BackendConfig()
	route, exists := bc.FailoverRoute(name)
	if !exists {
		return CommandResult{Name: cmdName, Success: false, Message: fmt.Sprintf("no failover route named %q", name)}
	}
	next, message, err := fn(route, element)
	if err != nil {
		return CommandResult{Name: cmdName, Success: false, Message: err.Error()}
	}
	cctx.State = cctx.State.WithBackendConfig(bc.WithFailoverRoute(next))
	return CommandResult{Name: cmdName, Success: true, Message: message}
}

// RegisterBuiltins wires every built-in command and parameter handler into
// the registry. Interactive-only commands are skipped when disabled.
func RegisterBuiltins(registry *CommandRegistry, includeInteractive bool) {
	for _, h := range []ParameterHandler{
		newBackendHandler(),
		newDefaultBackendHandler(),
		newModelHandler(),
		newOpenAIURLHandler(),
		newInteractiveHandler(),
		newReasoningEffortHandler(),
		newThinkingBudgetHandler(),
		newTemperatureHandler(),
		newLoopDetectionHandler(),
		newToolLoopDetectionHandler(),
		newToolLoopMaxRepeatsHandler(),
		newToolLoopTTLHandler(),
		newToolLoopModeHandler(),
		newProjectHandler(),
		newProjectDirHandler(),
		newCommandPrefixHandler(),
		newRedactAPIKeysHandler(),
	} {
		registry.RegisterHandler(h)
	}

	registry.RegisterCommand(newSetCommand(registry))
	registry.RegisterCommand(newUnsetCommand(registry))
	registry.RegisterCommand(newOneoffCommand())
	registry.RegisterCommand(newCreateFailoverRouteCommand())
	registry.RegisterCommand(newDeleteFailoverRouteCommand())
	registry.RegisterCommand(newRouteAppendCommand())
	registry.RegisterCommand(newRoutePrependCommand())
	registry.RegisterCommand(newRouteClearCommand())
	registry.RegisterCommand(newRouteListCommand())
	registry.RegisterCommand(newListFailoverRoutesCommand())
	if includeInteractive {
		registry.RegisterCommand(newHelloCommand())
		registry.RegisterCommand(newHelpCommand(registry))
	}
}
