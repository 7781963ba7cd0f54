package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// loopDetectionHandler toggles text loop detection for the session.
type loopDetectionHandler struct {
	paramInfo
}

var _ ParameterHandler = (*loopDetectionHandler)(nil)

func newLoopDetectionHandler() *loopDetectionHandler {
	return &loopDetectionHandler{paramInfo{
		name:        "loop-detection",
		description: "Toggle repeated-pattern detection on streamed text.",
		examples:    []string{"set(loop-detection=false)"},
	}}
}

func (h *loopDetectionHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	enabled, err := parseBoolValue(value)
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithLoopConfig(cctx.State.LoopConfig().WithLoopDetection(enabled))
	return Succeed(fmt.Sprintf("loop detection %s", onOff(enabled)), next)
}

func (h *loopDetectionHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithLoopConfig(cctx.State.LoopConfig().WithLoopDetection(true))
	return Succeed("loop detection reset to enabled", next)
}

// toolLoopDetectionHandler toggles repeated-tool-call detection.
type toolLoopDetectionHandler struct {
	paramInfo
}

var _ ParameterHandler = (*toolLoopDetectionHandler)(nil)

func newToolLoopDetectionHandler() *toolLoopDetectionHandler {
	return &toolLoopDetectionHandler{paramInfo{
		name:        "tool-loop-detection",
		description: "Toggle repeated-tool-call detection.",
		examples:    []string{"set(tool-loop-detection=off)"},
	}}
}

func (h *toolLoopDetectionHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	enabled, err := parseBoolValue(value)
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithLoopConfig(cctx.State.LoopConfig().WithToolLoopDetection(enabled))
	return Succeed(fmt.Sprintf("tool loop detection %s", onOff(enabled)), next)
}

func (h *toolLoopDetectionHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithLoopConfig(cctx.State.LoopConfig().WithToolLoopDetection(true))
	return Succeed("tool loop detection reset to enabled", next)
}

// toolLoopMaxRepeatsHandler overrides the identical-call threshold.
type toolLoopMaxRepeatsHandler struct {
	paramInfo
}

var _ ParameterHandler = (*toolLoopMaxRepeatsHandler)(nil)

func newToolLoopMaxRepeatsHandler() *toolLoopMaxRepeatsHandler {
	return &toolLoopMaxRepeatsHandler{paramInfo{
		name:        "tool-loop-max-repeats",
		aliases:     []string{"tool-loop-repeats"},
		description: "Identical tool calls tolerated before the loop reaction fires (min 2).",
		examples:    []string{"set(tool-loop-max-repeats=5)"},
	}}
}

func (h *toolLoopMaxRepeatsHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	n, err := strconv.Atoi(value)
	if err != nil {
		return Fail(fmt.Sprintf("tool loop max repeats must be an integer, got %q", value))
	}
	lc, err := cctx.State.LoopConfig().WithToolLoopMaxRepeats(n)
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithLoopConfig(lc)
	return Succeed(fmt.Sprintf("tool loop max repeats set to %d", n), next)
}

func (h *toolLoopMaxRepeatsHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithLoopConfig(cctx.State.LoopConfig().WithToolLoopDefaults())
	return Succeed("tool loop thresholds reset to defaults", next)
}

// toolLoopTTLHandler overrides the sliding window for counting repeats.
// Accepts plain seconds or a Go duration string.
type toolLoopTTLHandler struct {
	paramInfo
}

var _ ParameterHandler = (*toolLoopTTLHandler)(nil)

func newToolLoopTTLHandler() *toolLoopTTLHandler {
	return &toolLoopTTLHandler{paramInfo{
		name:        "tool-loop-ttl",
		aliases:     []string{"tool-loop-window"},
		description: "Sliding window for counting identical tool calls, in seconds.",
		examples:    []string{"set(tool-loop-ttl=120)", "set(tool-loop-ttl=2m)"},
	}}
}

func (h *toolLoopTTLHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	seconds, err := parseSeconds(value)
	if err != nil {
		return Fail(err.Error())
	}
	lc, err := cctx.State.LoopConfig().WithToolLoopTTLSeconds(seconds)
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithLoopConfig(lc)
	return Succeed(fmt.Sprintf("tool loop ttl set to %ds", seconds), next)
}

func (h *toolLoopTTLHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithLoopConfig(cctx.State.LoopConfig().WithToolLoopDefaults())
	return Succeed("tool loop thresholds reset to defaults", next)
}

// toolLoopModeHandler picks the reaction when the threshold is reached.
type toolLoopModeHandler struct {
	paramInfo
}

var _ ParameterHandler = (*toolLoopModeHandler)(nil)

func newToolLoopModeHandler() *toolLoopModeHandler {
	return &toolLoopModeHandler{paramInfo{
		name:        "tool-loop-mode",
		description: "Reaction on a tool loop: break, warn or chance_then_break.",
		examples:    []string{"set(tool-loop-mode=warn)"},
	}}
}

func (h *toolLoopModeHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	mode := strings.ToLower(strings.TrimSpace(value))
	lc, err := cctx.State.LoopConfig().WithToolLoopMode(mode)
	if err != nil {
		return Fail(err.Error())
	}
	next := cctx.State.WithLoopConfig(lc)
	return Succeed(fmt.Sprintf("tool loop mode set to %s", mode), next)
}

func (h *toolLoopModeHandler) Unset(cctx *CommandContext) HandlerOutcome {
	next := cctx.State.WithLoopConfig(cctx.State.LoopConfig().WithToolLoopDefaults())
	return Succeed("tool loop thresholds reset to defaults", next)
}

func parseSeconds(value string) (int, error) {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("expected seconds or a duration like 90s, got %q", value)
	}
	if d < time.Second*time.Duration(valueobject.MinToolLoopTTLSeconds) {
		return 0, fmt.Errorf("tool loop ttl must be at least %ds", valueobject.MinToolLoopTTLSeconds)
	}
	return int(d / time.Second), nil
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
