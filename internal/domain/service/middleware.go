// Copyright 2026 Promptwire Authors. All rights reserved.
package service

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// ResponseMiddleware processes normalized reply items. Priority orders the
// chain (lower runs first); a ProcessChunk error aborts the remaining
// stream with a typed error. Finalize runs once after the last upstream
// item and may inject trailing items (e.g. repaired tool arguments).
type ResponseMiddleware interface {
	Name() string
	Priority() int
	ProcessChunk(sctx *StreamContext, item StreamingContent) (StreamingContent, error)
	Finalize(sctx *StreamContext) ([]StreamingContent, error)
}

// Chain priorities of the built-in middlewares.
const (
	PriorityLoopDetection = 10
	PriorityEditPrecision = 20
	PriorityJSONRepair    = 30
	PriorityRedaction     = 40
	PriorityEmptyResponse = 50
)

// StreamContext is the per-request mutable state shared by the middlewares
// of one response. The chain owns it; middlewares communicate through
// Values and the accumulators.
type StreamContext struct {
	Ctx       context.Context
	SessionID string
	State     valueobject.SessionState
	Model     string
	Streaming bool
	Values    map[string]any

	accumulated strings.Builder
	chunkCount  int
}

// NewStreamContext builds the shared context for one response.
func NewStreamContext(ctx context.Context, sessionID string, state valueobject.SessionState, model string, streaming bool) *StreamContext {
	return &StreamContext{
		Ctx:       ctx,
		SessionID: sessionID,
		State:     state,
		Model:     model,
		Streaming: streaming,
		Values:    make(map[string]any),
	}
}

// Accumulated returns all text seen so far on this response.
func (sctx *StreamContext) Accumulated() string { return sctx.accumulated.String() }

// ChunkCount returns how many upstream items have been processed.
func (sctx *StreamContext) ChunkCount() int { return sctx.chunkCount }

// ResponseChain runs registered middlewares over streaming and
// non-streaming replies alike; a non-streaming body is treated as a
// single-item stream.
type ResponseChain struct {
	middlewares []ResponseMiddleware
	logger      *zap.Logger
}

// NewResponseChain sorts the given middlewares by ascending priority.
func NewResponseChain(logger *zap.Logger, mws ...ResponseMiddleware) *ResponseChain {
	sorted := make([]ResponseMiddleware, len(mws))
	copy(sorted, mws)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &ResponseChain{
		middlewares: sorted,
		logger:      logger.With(zap.String("component", "response_chain")),
	}
}

// Use appends middlewares, keeping the chain sorted.
func (c *ResponseChain) Use(mws ...ResponseMiddleware) {
	c.middlewares = append(c.middlewares, mws...)
	sort.SliceStable(c.middlewares, func(i, j int) bool {
		return c.middlewares[i].Priority() < c.middlewares[j].Priority()
	})
}

func (c *ResponseChain) Len() int { return len(c.middlewares) }

// Names lists the middleware names in execution order.
func (c *ResponseChain) Names() []string {
	names := make([]string, len(c.middlewares))
	for i, mw := range c.middlewares {
		names[i] = mw.Name()
	}
	return names
}

// processOne feeds a single item through every middleware in order.
func (c *ResponseChain) processOne(sctx *StreamContext, item StreamingContent) (StreamingContent, error) {
	for _, mw := range c.middlewares {
		next, err := mw.ProcessChunk(sctx, item)
		if err != nil {
			return item, err
		}
		item = next
	}
	sctx.chunkCount++
	sctx.accumulated.WriteString(item.Content)
	return item, nil
}

// finalize runs every middleware's Finalize in chain order, concatenating
// injected trailing items. The first error wins.
func (c *ResponseChain) finalize(sctx *StreamContext) ([]StreamingContent, error) {
	var extra []StreamingContent
	for _, mw := range c.middlewares {
		items, err := mw.Finalize(sctx)
		if err != nil {
			return extra, err
		}
		extra = append(extra, items...)
	}
	return extra, nil
}

// StreamResult terminates a wrapped stream: Err is non-nil when a
// middleware aborted it.
type StreamResult struct {
	Err error
}

// Wrap pipes upstream items through the chain, preserving order: item N is
// fully processed before N+1 is read. The result callback fires exactly
// once after the output channel closes.
func (c *ResponseChain) Wrap(sctx *StreamContext, upstream <-chan StreamingContent, done func(StreamResult)) <-chan StreamingContent {
	out := make(chan StreamingContent)
	go func() {
		defer close(out)
		var abort error
	loop:
		for {
			select {
			case <-sctx.Ctx.Done():
				abort = sctx.Ctx.Err()
				break loop
			case item, ok := <-upstream:
				if !ok {
					break loop
				}
				if item.IsDone {
					if item.IsCancellation {
						abort = context.Canceled
					}
					break loop
				}
				processed, err := c.processOne(sctx, item)
				if err != nil {
					abort = err
					break loop
				}
				select {
				case out <- processed:
				case <-sctx.Ctx.Done():
					abort = sctx.Ctx.Err()
					break loop
				}
			}
		}
		if abort == nil {
			extra, err := c.finalize(sctx)
			for _, item := range extra {
				select {
				case out <- item:
				case <-sctx.Ctx.Done():
					err = sctx.Ctx.Err()
				}
				if err != nil {
					break
				}
			}
			abort = err
		}
		if abort != nil {
			c.logger.Debug("Stream aborted by middleware",
				zap.String("session_id", sctx.SessionID),
				zap.Error(abort))
		}
		done(StreamResult{Err: abort})
	}()
	return out
}

// ProcessBody runs a complete non-streaming body through the chain as one
// synthetic item plus finalization, applying text and tool-call rewrites
// back onto the body in place.
func (c *ResponseChain) ProcessBody(sctx *StreamContext, body map[string]any) (map[string]any, error) {
	text, hasText := ExtractBodyText(body)
	item := StreamingContent{
		Content:   text,
		ToolCalls: bodyToolCalls(body),
	}
	processed, err := c.processOne(sctx, item)
	if err != nil {
		return body, err
	}
	extra, err := c.finalize(sctx)
	if err != nil {
		return body, err
	}
	final := processed.Content
	for _, it := range extra {
		if len(it.ToolCalls) > 0 {
			applyBodyToolCallArguments(body, it.ToolCalls)
		}
		final += it.Content
	}
	if hasText && final != text {
		SetBodyText(body, final)
	}
	return body, nil
}

// bodyToolCalls converts a body's tool_calls into normalized deltas.
func bodyToolCalls(body map[string]any) []ToolCall {
	rawCalls := ExtractBodyToolCalls(body)
	if len(rawCalls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(rawCalls))
	for i, call := range rawCalls {
		tc := ToolCall{Index: i}
		if id, ok := call["id"].(string); ok {
			tc.ID = id
		}
		if typ, ok := call["type"].(string); ok {
			tc.Type = typ
		}
		if fn, ok := call["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				tc.Function.Name = name
			}
			if args, ok := fn["arguments"].(string); ok {
				tc.Function.Arguments = args
			}
		}
		out = append(out, tc)
	}
	return out
}

// applyBodyToolCallArguments writes repaired arguments back into the body's
// tool_calls by index.
func applyBodyToolCallArguments(body map[string]any, calls []ToolCall) {
	rawCalls := ExtractBodyToolCalls(body)
	for _, tc := range calls {
		if tc.Index < 0 || tc.Index >= len(rawCalls) {
			continue
		}
		if fn, ok := rawCalls[tc.Index]["function"].(map[string]any); ok {
			fn["arguments"] = tc.Function.Arguments
		}
	}
}

// NoOpResponseMiddleware provides pass-through defaults for embedding.
type NoOpResponseMiddleware struct{}

func (NoOpResponseMiddleware) ProcessChunk(_ *StreamContext, item StreamingContent) (StreamingContent, error) {
	return item, nil
}

func (NoOpResponseMiddleware) Finalize(_ *StreamContext) ([]StreamingContent, error) {
	return nil, nil
}
