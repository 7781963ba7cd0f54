package handlers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/promptwire/promptwire/internal/domain/service"
)

func TestToChatRequestSystemAndText(t *testing.T) {
	req := AnthropicRequest{
		Model:  "anthropic:claude-sonnet-4-0",
		System: json.RawMessage(`"You are terse."`),
		Messages: []AnthropicMessage{
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
		MaxTokens: 512,
		Stream:    true,
	}

	out, err := ToChatRequest(req)
	if err != nil {
		t.Fatalf("ToChatRequest: %v", err)
	}
	if out.Model != "anthropic:claude-sonnet-4-0" || !out.Stream {
		t.Errorf("model/stream not carried: %+v", out)
	}
	if out.MaxTokens == nil || *out.MaxTokens != 512 {
		t.Error("max_tokens not carried")
	}
	if len(out.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(out.Messages))
	}
	if out.Messages[0].Role != "system" || out.Messages[0].Content.Text() != "You are terse." {
		t.Errorf("system message wrong: %+v", out.Messages[0])
	}
	if out.Messages[1].Role != "user" || out.Messages[1].Content.Text() != "hello" {
		t.Errorf("user message wrong: %+v", out.Messages[1])
	}
}

func TestToChatRequestToolUseAndResult(t *testing.T) {
	req := AnthropicRequest{
		Model: "m",
		Messages: []AnthropicMessage{
			{Role: "user", Content: json.RawMessage(`"what is the weather"`)},
			{Role: "assistant", Content: json.RawMessage(
				`[{"type":"text","text":"checking"},{"type":"tool_use","id":"tu_1","name":"get_weather","input":{"city":"Oslo"}}]`)},
			{Role: "user", Content: json.RawMessage(
				`[{"type":"tool_result","tool_use_id":"tu_1","content":"12C and rainy"}]`)},
		},
		Tools: []AnthropicTool{
			{Name: "get_weather", Description: "look up weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}

	out, err := ToChatRequest(req)
	if err != nil {
		t.Fatalf("ToChatRequest: %v", err)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(out.Messages))
	}

	assistant := out.Messages[1]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant turn wrong: %+v", assistant)
	}
	call := assistant.ToolCalls[0]
	if call.ID != "tu_1" || call.Function.Name != "get_weather" {
		t.Errorf("tool call wrong: %+v", call)
	}
	if !strings.Contains(call.Function.Arguments, "Oslo") {
		t.Errorf("arguments = %q, want Oslo payload", call.Function.Arguments)
	}

	toolMsg := out.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "tu_1" || toolMsg.Content.Text() != "12C and rainy" {
		t.Errorf("tool result message wrong: %+v", toolMsg)
	}

	if len(out.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(out.Tools))
	}
	var tool map[string]any
	if err := json.Unmarshal(out.Tools[0], &tool); err != nil {
		t.Fatalf("tool json: %v", err)
	}
	if tool["type"] != "function" {
		t.Errorf("tool type = %v, want function", tool["type"])
	}
}

func TestToChatRequestRejectsBadContent(t *testing.T) {
	req := AnthropicRequest{
		Model:    "m",
		Messages: []AnthropicMessage{{Role: "user", Content: json.RawMessage(`42`)}},
	}
	if _, err := ToChatRequest(req); err == nil {
		t.Error("numeric content should be rejected")
	}
}

func TestFromChatCompletion(t *testing.T) {
	body := map[string]any{
		"id":    "chatcmpl-1",
		"model": "gpt-4o",
		"choices": []any{
			map[string]any{
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"role":    "assistant",
					"content": "let me check",
					"tool_calls": []any{
						map[string]any{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "get_weather",
								"arguments": `{"city":"Oslo"}`,
							},
						},
					},
				},
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     float64(11),
			"completion_tokens": float64(5),
		},
	}

	out := FromChatCompletion(body, "fallback")
	if out["id"] != "chatcmpl-1" || out["model"] != "gpt-4o" {
		t.Errorf("identity fields wrong: %+v", out)
	}
	if out["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason = %v, want tool_use", out["stop_reason"])
	}

	content := out["content"].([]map[string]any)
	if len(content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(content))
	}
	if content[0]["type"] != "text" || content[0]["text"] != "let me check" {
		t.Errorf("text block wrong: %+v", content[0])
	}
	if content[1]["type"] != "tool_use" || content[1]["name"] != "get_weather" {
		t.Errorf("tool block wrong: %+v", content[1])
	}
	input := content[1]["input"].(map[string]any)
	if input["city"] != "Oslo" {
		t.Errorf("tool input = %+v, want parsed city", input)
	}

	usage := out["usage"].(map[string]any)
	if usage["input_tokens"] != 11 || usage["output_tokens"] != 5 {
		t.Errorf("usage wrong: %+v", usage)
	}
}

func TestStopReasonMapping(t *testing.T) {
	cases := map[string]string{
		"stop":       "end_turn",
		"length":     "max_tokens",
		"tool_calls": "tool_use",
		"":           "end_turn",
	}
	for in, want := range cases {
		if got := anthropicStopReason(in); got != want {
			t.Errorf("anthropicStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStreamTranslatorTextFlow(t *testing.T) {
	tr := NewAnthropicStreamTranslator("m")

	var names []string
	collect := func(events []StreamEvent) {
		for _, evt := range events {
			names = append(names, evt.Event)
		}
	}

	collect(tr.Translate(service.BuildTextChunk("id", "m", "hel")))
	collect(tr.Translate(service.BuildTextChunk("id", "m", "lo")))
	collect(tr.Translate(service.BuildFinishChunk("id", "m", "stop", &service.Usage{CompletionTokens: 2})))
	collect(tr.Finish())

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(names) != len(want) {
		t.Fatalf("event sequence = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, names[i], want[i], names)
		}
	}
}

func TestStreamTranslatorToolBlock(t *testing.T) {
	tr := NewAnthropicStreamTranslator("m")

	var events []StreamEvent
	events = append(events, tr.Translate(service.BuildTextChunk("id", "m", "thinking"))...)
	events = append(events, tr.Translate(service.BuildToolCallChunk("id", "m", []service.ToolCall{
		{ID: "call_1", Type: "function", Function: service.ToolCallFunction{Name: "get_weather"}},
	}))...)
	events = append(events, tr.Translate(service.BuildToolCallChunk("id", "m", []service.ToolCall{
		{Function: service.ToolCallFunction{Arguments: `{"city":`}},
	}))...)
	events = append(events, tr.Finish()...)

	var sawToolStart, sawJSONDelta bool
	for _, evt := range events {
		if evt.Event == "content_block_start" && strings.Contains(string(evt.Data), "tool_use") {
			sawToolStart = true
		}
		if strings.Contains(string(evt.Data), "input_json_delta") {
			sawJSONDelta = true
		}
	}
	if !sawToolStart {
		t.Error("tool_use content_block_start missing")
	}
	if !sawJSONDelta {
		t.Error("input_json_delta missing")
	}

	last := events[len(events)-1]
	if last.Event != "message_stop" {
		t.Errorf("last event = %s, want message_stop", last.Event)
	}
}
