package service

import "strings"

// EmptyResponseConfig controls the single-retry recovery for replies that
// arrive with no content at all.
type EmptyResponseConfig struct {
	Enabled        bool
	RecoveryPrompt string
}

func DefaultEmptyResponseConfig() EmptyResponseConfig {
	return EmptyResponseConfig{
		Enabled:        true,
		RecoveryPrompt: "Your previous reply was empty. Please answer the original question.",
	}
}

// CtxKeyEmptyRetryDisabled suppresses detection on the retry pass so a
// second empty reply is returned as-is.
const CtxKeyEmptyRetryDisabled = "empty_response.disabled"

// EmptyResponseMiddleware raises EmptyResponseRetryError when a completed
// non-streaming reply carries neither text nor tool calls. The orchestrator
// consumes the error for exactly one retry.
type EmptyResponseMiddleware struct {
	cfg EmptyResponseConfig
}

var _ ResponseMiddleware = (*EmptyResponseMiddleware)(nil)

func NewEmptyResponseMiddleware(cfg EmptyResponseConfig) *EmptyResponseMiddleware {
	return &EmptyResponseMiddleware{cfg: cfg}
}

func (m *EmptyResponseMiddleware) Name() string { return "empty_response" }

func (m *EmptyResponseMiddleware) Priority() int { return PriorityEmptyResponse }

const ctxKeyHadToolCalls = "empty_response.had_tool_calls"

func (m *EmptyResponseMiddleware) ProcessChunk(sctx *StreamContext, item StreamingContent) (StreamingContent, error) {
	if len(item.ToolCalls) > 0 || item.FinishReason == "tool_calls" {
		sctx.Values[ctxKeyHadToolCalls] = true
	}
	return item, nil
}

func (m *EmptyResponseMiddleware) Finalize(sctx *StreamContext) ([]StreamingContent, error) {
	if !m.cfg.Enabled || sctx.Streaming {
		return nil, nil
	}
	if disabled, _ := sctx.Values[CtxKeyEmptyRetryDisabled].(bool); disabled {
		return nil, nil
	}
	if had, _ := sctx.Values[ctxKeyHadToolCalls].(bool); had {
		return nil, nil
	}
	if strings.TrimSpace(sctx.Accumulated()) != "" {
		return nil, nil
	}
	return nil, &EmptyResponseRetryError{RecoveryPrompt: m.cfg.RecoveryPrompt}
}
