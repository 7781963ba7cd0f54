package service

import (
	"fmt"
	"strconv"
)

// reasoningEffortHandler sets the provider-mapped reasoning effort level.
// A thinking budget fixed at startup locks this too: both knobs steer the
// same upstream reasoning setting.
type reasoningEffortHandler struct {
	paramInfo
}

var _ ParameterHandler = (*reasoningEffortHandler)(nil)

func newReasoningEffortHandler() *reasoningEffortHandler {
	return &reasoningEffortHandler{paramInfo{
		name:        "reasoning-effort",
		aliases:     []string{"effort"},
		description: "Set reasoning effort: low, medium, high or maximum.",
		examples:    []string{"set(reasoning-effort=high)"},
	}}
}

func (h *reasoningEffortHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	if cctx.App.ThinkingBudgetLocked() {
		return Fail("thinking budget is fixed by startup configuration; reasoning effort cannot be changed per session")
	}
	rc, err := cctx.State.ReasoningConfig().WithReasoningEffort(value)
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithReasoningConfig(rc)
	return Succeed(fmt.Sprintf("reasoning effort set to %s", value), next)
}

func (h *reasoningEffortHandler) Unset(cctx *CommandContext) HandlerOutcome {
	if cctx.App.ThinkingBudgetLocked() {
		return Fail("thinking budget is fixed by startup configuration; reasoning effort cannot be changed per session")
	}
	next := cctx.State.WithReasoningConfig(cctx.State.ReasoningConfig().WithoutReasoningEffort())
	return Succeed("reasoning effort cleared", next)
}

// thinkingBudgetHandler sets the extended-thinking token budget. A budget
// fixed at startup takes precedence and blocks per-session changes.
type thinkingBudgetHandler struct {
	paramInfo
}

var _ ParameterHandler = (*thinkingBudgetHandler)(nil)

func newThinkingBudgetHandler() *thinkingBudgetHandler {
	return &thinkingBudgetHandler{paramInfo{
		name:        "thinking-budget",
		aliases:     []string{"thinking-tokens"},
		description: "Set the extended-thinking token budget (128..32768).",
		examples:    []string{"set(thinking-budget=2048)"},
	}}
}

func (h *thinkingBudgetHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	if cctx.App.ThinkingBudgetLocked() {
		return Fail("thinking budget is fixed by startup configuration and cannot be changed per session")
	}
	budget, err := strconv.Atoi(value)
	if err != nil {
		return Fail(fmt.Sprintf("thinking budget must be an integer, got %q", value))
	}
	rc, err := cctx.State.ReasoningConfig().WithThinkingBudget(budget)
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithReasoningConfig(rc)
	return Succeed(fmt.Sprintf("thinking budget set to %d tokens", budget), next)
}

func (h *thinkingBudgetHandler) Unset(cctx *CommandContext) HandlerOutcome {
	if cctx.App.ThinkingBudgetLocked() {
		return Fail("thinking budget is fixed by startup configuration and cannot be changed per session")
	}
	next := cctx.State.WithReasoningConfig(cctx.State.ReasoningConfig().WithoutThinkingBudget())
	return Succeed("thinking budget cleared", next)
}

// temperatureHandler sets the sampling temperature. Its outcome carries the
// value in Data so the request keeps flowing to the backend with the new
// setting applied.
type temperatureHandler struct {
	paramInfo
}

var _ ParameterHandler = (*temperatureHandler)(nil)

func newTemperatureHandler() *temperatureHandler {
	return &temperatureHandler{paramInfo{
		name:        "temperature",
		aliases:     []string{"temp"},
		description: "Set the sampling temperature (0.0..2.0).",
		examples:    []string{"set(temperature=0.2)"},
	}}
}

func (h *temperatureHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	t, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return Fail(fmt.Sprintf("temperature must be a number, got %q", value))
	}
	rc, err := cctx.State.ReasoningConfig().WithTemperature(t)
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithReasoningConfig(rc)
	return SucceedWithData(fmt.Sprintf("temperature set to %g", t), next, map[string]any{"temperature": t})
}

func (h *temperatureHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithReasoningConfig(cctx.State.ReasoningConfig().WithoutTemperature())
	return Succeed("temperature cleared", next)
}
