package service

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
)

// JSONRepairConfig gates the tool-argument repair middleware.
type JSONRepairConfig struct {
	Enabled bool
}

// JSONRepairMiddleware fixes truncated tool-call argument JSON at
// end-of-stream: unmatched braces, brackets and dangling string literals.
// In streaming mode the repair is emitted as a trailing argument delta
// (only possible when the repair appends); non-streaming bodies get the
// full repaired string.
type JSONRepairMiddleware struct {
	cfg    JSONRepairConfig
	logger *zap.Logger
}

var _ ResponseMiddleware = (*JSONRepairMiddleware)(nil)

func NewJSONRepairMiddleware(cfg JSONRepairConfig, logger *zap.Logger) *JSONRepairMiddleware {
	return &JSONRepairMiddleware{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "json_repair")),
	}
}

func (m *JSONRepairMiddleware) Name() string { return "json_repair" }

func (m *JSONRepairMiddleware) Priority() int { return PriorityJSONRepair }

const ctxKeyRepairAcc = "json_repair.tool_calls"

func (m *JSONRepairMiddleware) ProcessChunk(sctx *StreamContext, item StreamingContent) (StreamingContent, error) {
	if !m.cfg.Enabled || len(item.ToolCalls) == 0 {
		return item, nil
	}
	acc, _ := sctx.Values[ctxKeyRepairAcc].(map[int]*ToolCall)
	if acc == nil {
		acc = make(map[int]*ToolCall)
		sctx.Values[ctxKeyRepairAcc] = acc
	}
	accumulateToolCalls(acc, item.ToolCalls)
	return item, nil
}

func (m *JSONRepairMiddleware) Finalize(sctx *StreamContext) ([]StreamingContent, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}
	acc, _ := sctx.Values[ctxKeyRepairAcc].(map[int]*ToolCall)
	if len(acc) == 0 {
		return nil, nil
	}

	var patches []ToolCall
	for _, tc := range sortedToolCalls(acc) {
		args := tc.Function.Arguments
		if args == "" || json.Valid([]byte(args)) {
			continue
		}
		repaired, ok := RepairJSON(args)
		if !ok {
			m.logger.Warn("Tool arguments unrepairable",
				zap.String("tool", tc.Function.Name),
				zap.Int("len", len(args)))
			continue
		}
		if sctx.Streaming {
			// The original fragments are already on the wire; only a pure
			// append can be patched in.
			if !strings.HasPrefix(repaired, args) {
				m.logger.Warn("Repair is not an append, cannot patch stream",
					zap.String("tool", tc.Function.Name))
				continue
			}
			patches = append(patches, ToolCall{
				Index:    tc.Index,
				Function: ToolCallFunction{Arguments: repaired[len(args):]},
			})
		} else {
			patches = append(patches, ToolCall{
				Index:    tc.Index,
				Function: ToolCallFunction{Arguments: repaired},
			})
		}
		m.logger.Debug("Repaired truncated tool arguments",
			zap.String("tool", tc.Function.Name),
			zap.String("session_id", sctx.SessionID))
	}
	if len(patches) == 0 {
		return nil, nil
	}
	return []StreamingContent{BuildToolCallChunk("", sctx.Model, patches)}, nil
}

// RepairJSON attempts to make a parseable JSON document out of s: parse
// as-is, then with a closing brace appended, then through the repairer.
// Reports the repaired text and whether it parses.
func RepairJSON(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", false
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, true
	}
	if closed := trimmed + "}"; json.Valid([]byte(closed)) {
		return closed, true
	}
	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil || !json.Valid([]byte(repaired)) {
		return "", false
	}
	return repaired, true
}
