package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/service"
	"github.com/promptwire/promptwire/internal/infrastructure/backend"
)

// translateEvents turns a streamGenerateContent?alt=sse response into
// chat-completion chunks. Each data line is a complete response fragment;
// the stream has no done sentinel, so the finish chunk is emitted at EOF
// once the final usage numbers are in.
func translateEvents(ctx context.Context, resp *http.Response, model string, logger *zap.Logger) *backend.Stream {
	chunks := make(chan service.StreamingContent, 8)
	var terminal error
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(chunks)
		defer resp.Body.Close()

		watchdogDone := make(chan struct{})
		defer close(watchdogDone)
		go func() {
			select {
			case <-ctx.Done():
				resp.Body.Close()
			case <-watchdogDone:
			}
		}()

		scanner := bufio.NewScanner(&backend.IdleReader{R: resp.Body, Timeout: backend.StreamIdleTimeout})
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var (
			finishReason string
			usage        service.Usage
			nextTool     int
			streamID     = "gemini-stream"
		)

		emit := func(item service.StreamingContent) bool {
			select {
			case chunks <- item:
				return true
			case <-ctx.Done():
				chunks <- service.CancellationContent()
				terminal = ctx.Err()
				return false
			}
		}

		for scanner.Scan() {
			if ctx.Err() != nil {
				chunks <- service.CancellationContent()
				terminal = ctx.Err()
				return
			}
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var fragment nativeResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &fragment); err != nil {
				logger.Debug("skip unparseable stream fragment", zap.Error(err))
				continue
			}

			if fragment.UsageMetadata.TotalTokenCount > 0 {
				usage = service.Usage{
					PromptTokens:     fragment.UsageMetadata.PromptTokenCount,
					CompletionTokens: fragment.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      fragment.UsageMetadata.TotalTokenCount,
				}
			}
			if model == "" && fragment.ModelVersion != "" {
				model = fragment.ModelVersion
			}
			if len(fragment.Candidates) == 0 {
				continue
			}
			candidate := fragment.Candidates[0]
			if candidate.FinishReason != "" {
				finishReason = candidate.FinishReason
			}

			for _, part := range candidate.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					// Function calls arrive whole, never as partial deltas,
					// so each becomes one complete tool_calls entry.
					call := service.ToolCall{
						Index: nextTool,
						ID:    fmt.Sprintf("call_%d", nextTool),
						Type:  "function",
						Function: service.ToolCallFunction{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					}
					nextTool++
					if !emit(service.BuildToolCallChunk(streamID, model, []service.ToolCall{call})) {
						return
					}
				case part.Text != "":
					if !emit(service.BuildTextChunk(streamID, model, part.Text)) {
						return
					}
				}
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				chunks <- service.CancellationContent()
				terminal = ctx.Err()
				return
			}
			if backend.IsStreamIdle(err) {
				logger.Warn("stream idle timeout, upstream stalled",
					zap.Duration("idle_timeout", backend.StreamIdleTimeout))
				terminal = fmt.Errorf("stream stalled: no data for %v", backend.StreamIdleTimeout)
				return
			}
			terminal = fmt.Errorf("stream scan: %w", err)
			return
		}

		reason := mapFinishReason(finishReason)
		if nextTool > 0 {
			reason = "tool_calls"
		}
		var usagePtr *service.Usage
		if usage.Total() > 0 {
			u := usage
			usagePtr = &u
		}
		if !emit(service.BuildFinishChunk(streamID, model, reason, usagePtr)) {
			return
		}
		chunks <- service.DoneContent()
	}()

	return &backend.Stream{
		Header: resp.Header,
		Chunks: chunks,
		Err: func() error {
			<-done
			return terminal
		},
	}
}
