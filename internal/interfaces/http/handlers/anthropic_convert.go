package handlers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/promptwire/promptwire/internal/domain/service"
)

// Anthropic Messages API wire types. Content fields stay as RawMessage
// because the API accepts both a bare string and a block list.

type AnthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	System        json.RawMessage    `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ToChatRequest converts an Anthropic Messages request into the internal
// chat-completion form. System prompts become a leading system message;
// tool_result blocks become tool-role messages; tool_use blocks on
// assistant turns become tool calls.
func ToChatRequest(req AnthropicRequest) (service.ChatRequest, error) {
	out := service.ChatRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}

	if system := flattenContent(req.System); system != "" {
		out.Messages = append(out.Messages, service.ChatMessage{
			Role:    "system",
			Content: service.NewTextContent(system),
		})
	}

	for _, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return service.ChatRequest{}, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		raw, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  schema,
			},
		})
		if err != nil {
			return service.ChatRequest{}, fmt.Errorf("convert tool %s: %w", tool.Name, err)
		}
		out.Tools = append(out.Tools, raw)
	}

	if len(req.StopSequences) > 0 {
		raw, err := json.Marshal(req.StopSequences)
		if err == nil {
			out.Extra = map[string]json.RawMessage{"stop": raw}
		}
	}

	return out, nil
}

// convertMessage expands one Anthropic message into one or more chat
// messages. A user turn carrying tool_result blocks yields tool-role
// messages first, matching chat-completion ordering.
func convertMessage(msg AnthropicMessage) ([]service.ChatMessage, error) {
	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		return []service.ChatMessage{{
			Role:    msg.Role,
			Content: service.NewTextContent(asString),
		}}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, &service.ValidationError{
			Param:   "messages",
			Code:    "invalid_content",
			Message: "message content must be a string or a block list",
		}
	}

	var out []service.ChatMessage
	var texts []string
	var toolCalls []service.ToolCall

	for _, block := range blocks {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, service.ToolCall{
				Index: len(toolCalls),
				ID:    block.ID,
				Type:  "function",
				Function: service.ToolCallFunction{
					Name:      block.Name,
					Arguments: args,
				},
			})
		case "tool_result":
			out = append(out, service.ChatMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    service.NewTextContent(flattenContent(block.Content)),
			})
		}
	}

	if len(texts) > 0 || len(toolCalls) > 0 || len(out) == 0 {
		out = append(out, service.ChatMessage{
			Role:      msg.Role,
			Content:   service.NewTextContent(strings.Join(texts, "\n")),
			ToolCalls: toolCalls,
		})
	}
	return out, nil
}

// flattenContent extracts plain text from a string-or-blocks content value.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var texts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// FromChatCompletion converts a non-streaming chat-completion body into an
// Anthropic message response.
func FromChatCompletion(body map[string]any, fallbackModel string) map[string]any {
	id, _ := body["id"].(string)
	if id == "" {
		id = fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	model, _ := body["model"].(string)
	if model == "" {
		model = fallbackModel
	}

	content := make([]map[string]any, 0, 2)
	if text, ok := service.ExtractBodyText(body); ok && text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}

	finishReason := extractFinishReason(body)
	for _, call := range service.ExtractBodyToolCalls(body) {
		fn, _ := call["function"].(map[string]any)
		name, _ := fn["name"].(string)
		callID, _ := call["id"].(string)
		var input any = map[string]any{}
		if args, ok := fn["arguments"].(string); ok && args != "" {
			var parsed any
			if err := json.Unmarshal([]byte(args), &parsed); err == nil {
				input = parsed
			}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    callID,
			"name":  name,
			"input": input,
		})
	}

	usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if u, ok := body["usage"].(map[string]any); ok {
		if v, ok := u["prompt_tokens"].(float64); ok {
			usage["input_tokens"] = int(v)
		}
		if v, ok := u["completion_tokens"].(float64); ok {
			usage["output_tokens"] = int(v)
		}
	}

	return map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   anthropicStopReason(finishReason),
		"stop_sequence": nil,
		"usage":         usage,
	}
}

func extractFinishReason(body map[string]any) string {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	reason, _ := choice["finish_reason"].(string)
	return reason
}

func anthropicStopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// StreamEvent is one Anthropic SSE frame: an event name plus its JSON data.
type StreamEvent struct {
	Event string
	Data  []byte
}

// AnthropicStreamTranslator turns a chat-completion chunk sequence into the
// Anthropic event stream: message_start, content_block_start/delta/stop per
// block, message_delta with stop_reason and usage, then message_stop.
type AnthropicStreamTranslator struct {
	id           string
	model        string
	started      bool
	blockOpen    bool
	blockIsTool  bool
	blockIndex   int
	stopReason   string
	outputTokens int
	inputTokens  int
}

func NewAnthropicStreamTranslator(model string) *AnthropicStreamTranslator {
	return &AnthropicStreamTranslator{
		id:         fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		model:      model,
		blockIndex: -1,
	}
}

// Translate converts one normalized stream item into zero or more events.
func (t *AnthropicStreamTranslator) Translate(item service.StreamingContent) []StreamEvent {
	var events []StreamEvent
	if !t.started {
		t.started = true
		events = append(events, t.event("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            t.id,
				"type":          "message",
				"role":          "assistant",
				"model":         t.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	if item.Content != "" {
		if t.blockOpen && t.blockIsTool {
			events = append(events, t.closeBlock())
		}
		if !t.blockOpen {
			events = append(events, t.openBlock(false, map[string]any{"type": "text", "text": ""}))
		}
		events = append(events, t.event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": item.Content},
		}))
	}

	for _, call := range item.ToolCalls {
		if call.Function.Name != "" {
			if t.blockOpen {
				events = append(events, t.closeBlock())
			}
			events = append(events, t.openBlock(true, map[string]any{
				"type":  "tool_use",
				"id":    call.ID,
				"name":  call.Function.Name,
				"input": map[string]any{},
			}))
		}
		if call.Function.Arguments != "" && t.blockOpen && t.blockIsTool {
			events = append(events, t.event("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": t.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": call.Function.Arguments},
			}))
		}
	}

	if item.FinishReason != "" {
		t.stopReason = anthropicStopReason(item.FinishReason)
	}
	if item.Usage != nil {
		t.inputTokens = item.Usage.PromptTokens + item.Usage.InputTokens
		t.outputTokens = item.Usage.CompletionTokens + item.Usage.OutputTokens
	}
	return events
}

// Finish closes any open block and emits the terminal events.
func (t *AnthropicStreamTranslator) Finish() []StreamEvent {
	var events []StreamEvent
	if t.blockOpen {
		events = append(events, t.closeBlock())
	}
	stopReason := t.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	events = append(events,
		t.event("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": t.outputTokens},
		}),
		t.event("message_stop", map[string]any{"type": "message_stop"}),
	)
	return events
}

func (t *AnthropicStreamTranslator) openBlock(isTool bool, block map[string]any) StreamEvent {
	t.blockIndex++
	t.blockOpen = true
	t.blockIsTool = isTool
	return t.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         t.blockIndex,
		"content_block": block,
	})
}

func (t *AnthropicStreamTranslator) closeBlock() StreamEvent {
	t.blockOpen = false
	t.blockIsTool = false
	return t.event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.blockIndex,
	})
}

func (t *AnthropicStreamTranslator) event(name string, payload map[string]any) StreamEvent {
	data, _ := json.Marshal(payload)
	return StreamEvent{Event: name, Data: data}
}
