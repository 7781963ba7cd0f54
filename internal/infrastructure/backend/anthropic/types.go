package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptwire/promptwire/internal/domain/service"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Thinking budgets substituted when only a reasoning effort is set.
var effortBudgets = map[string]int{
	"low":     1024,
	"medium":  4096,
	"high":    16384,
	"maximum": 32768,
}

type nativeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []nativeMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Thinking    *thinkingConfig `json:"thinking,omitempty"`
	Tools       []nativeTool    `json:"tools,omitempty"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type nativeMessage struct {
	Role    string        `json:"role"`
	Content []nativeBlock `json:"content"`
}

type nativeBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type nativeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type nativeResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	StopReason string        `json:"stop_reason"`
	Content    []nativeBlock `json:"content"`
	Usage      nativeUsage   `json:"usage"`
}

type nativeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// toNative converts the canonical request into the messages API shape.
// System messages collapse into the system field; adjacent same-role
// messages merge because the API requires strict alternation.
func toNative(chat service.ChatRequest, model string, stream bool, thinkingBudget int, effort string) (*nativeRequest, error) {
	out := &nativeRequest{
		Model:       model,
		MaxTokens:   defaultMaxTokens,
		Temperature: chat.Temperature,
		TopP:        chat.TopP,
		Stream:      stream,
	}
	if chat.MaxTokens != nil && *chat.MaxTokens > 0 {
		out.MaxTokens = *chat.MaxTokens
	}

	if thinkingBudget == 0 && effort != "" {
		thinkingBudget = effortBudgets[effort]
	}
	if thinkingBudget > 0 {
		out.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: thinkingBudget}
	}

	var systemParts []string
	for _, msg := range chat.Messages {
		switch msg.Role {
		case service.RoleSystem:
			systemParts = append(systemParts, msg.Content.Text())
		case service.RoleUser:
			blocks := textBlocks(msg.Content)
			if len(blocks) == 0 {
				continue
			}
			out.Messages = appendMerged(out.Messages, nativeMessage{Role: "user", Content: blocks})
		case service.RoleAssistant:
			var blocks []nativeBlock
			if text := msg.Content.Text(); text != "" {
				blocks = append(blocks, nativeBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, nativeBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = appendMerged(out.Messages, nativeMessage{Role: "assistant", Content: blocks})
		case service.RoleTool:
			out.Messages = appendMerged(out.Messages, nativeMessage{
				Role: "user",
				Content: []nativeBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content.Text(),
				}},
			})
		}
	}
	if len(systemParts) > 0 {
		out.System = strings.Join(systemParts, "\n\n")
	}
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("no convertible messages in request")
	}

	for _, raw := range chat.Tools {
		var tool struct {
			Function struct {
				Name        string          `json:"name"`
				Description string          `json:"description"`
				Parameters  json.RawMessage `json:"parameters"`
			} `json:"function"`
		}
		if err := json.Unmarshal(raw, &tool); err != nil || tool.Function.Name == "" {
			continue
		}
		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, nativeTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

func textBlocks(content service.MessageContent) []nativeBlock {
	if !content.IsParts() {
		if content.Text() == "" {
			return nil
		}
		return []nativeBlock{{Type: "text", Text: content.Text()}}
	}
	var blocks []nativeBlock
	for _, part := range content.Parts() {
		if part.IsText() && part.Text != "" {
			blocks = append(blocks, nativeBlock{Type: "text", Text: part.Text})
		}
	}
	return blocks
}

func appendMerged(messages []nativeMessage, msg nativeMessage) []nativeMessage {
	if n := len(messages); n > 0 && messages[n-1].Role == msg.Role {
		messages[n-1].Content = append(messages[n-1].Content, msg.Content...)
		return messages
	}
	return append(messages, msg)
}

// fromNative converts a messages API response into a chat-completion body.
func fromNative(resp *nativeResponse) ([]byte, error) {
	var text strings.Builder
	var toolCalls []map[string]any
	for i, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, map[string]any{
				"index": i,
				"id":    block.ID,
				"type":  "function",
				"function": map[string]any{
					"name":      block.Name,
					"arguments": args,
				},
			})
		}
	}

	message := map[string]any{
		"role":    "assistant",
		"content": text.String(),
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	body := map[string]any{
		"id":     resp.ID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": mapStopReason(resp.StopReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(body)
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return "stop"
	}
}
