package anthropic

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

// streamEvent is the union of the messages API stream event payloads.
type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID    string      `json:"id"`
		Model string      `json:"model"`
		Usage nativeUsage `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage nativeUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// translateEvents turns the messages API event stream into chat-completion
// chunks. Text deltas and tool-use input deltas map onto delta frames;
// message_delta carries the stop reason and output usage.
func translateEvents(ctx context.Context, resp *http.Response, logger *zap.Logger) *backend.Stream {
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
			msgID      string
			model      string
			inputToks  int
			outputToks int
			// toolIndexes maps the upstream block index to the emitted
			// tool_calls index, assigned in order of appearance.
			toolIndexes = map[int]int{}
			nextTool    int
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
			var ev streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				logger.Debug("skip unparseable stream event", zap.Error(err))
				continue
			}

			switch ev.Type {
			case "message_start":
				msgID = ev.Message.ID
				model = ev.Message.Model
				inputToks = ev.Message.Usage.InputTokens
			case "content_block_start":
				if ev.ContentBlock.Type != "tool_use" {
					continue
				}
				idx := nextTool
				toolIndexes[ev.Index] = idx
				nextTool++
				call := service.ToolCall{
					Index: idx,
					ID:    ev.ContentBlock.ID,
					Type:  "function",
					Function: service.ToolCallFunction{
						Name: ev.ContentBlock.Name,
					},
				}
				if !emit(service.BuildToolCallChunk(msgID, model, []service.ToolCall{call})) {
					return
				}
			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text == "" {
						continue
					}
					if !emit(service.BuildTextChunk(msgID, model, ev.Delta.Text)) {
						return
					}
				case "input_json_delta":
					if ev.Delta.PartialJSON == "" {
						continue
					}
					idx, ok := toolIndexes[ev.Index]
					if !ok {
						continue
					}
					call := service.ToolCall{
						Index:    idx,
						Function: service.ToolCallFunction{Arguments: ev.Delta.PartialJSON},
					}
					if !emit(service.BuildToolCallChunk(msgID, model, []service.ToolCall{call})) {
						return
					}
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					outputToks = ev.Usage.OutputTokens
				}
				if ev.Delta.StopReason != "" {
					usage := &service.Usage{
						PromptTokens:     inputToks,
						CompletionTokens: outputToks,
						TotalTokens:      inputToks + outputToks,
					}
					if !emit(service.BuildFinishChunk(msgID, model, mapStopReason(ev.Delta.StopReason), usage)) {
						return
					}
				}
			case "message_stop":
				chunks <- service.DoneContent()
				return
			case "error":
				terminal = fmt.Errorf("upstream stream error %s: %s", ev.Error.Type, ev.Error.Message)
				return
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
