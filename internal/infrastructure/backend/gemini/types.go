package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptwire/promptwire/internal/domain/service"
)

type nativeRequest struct {
	SystemInstruction *nativeContent   `json:"system_instruction,omitempty"`
	Contents          []nativeContent  `json:"contents"`
	GenerationConfig  map[string]any   `json:"generationConfig,omitempty"`
	Tools             []nativeToolDecl `json:"tools,omitempty"`
}

type nativeContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []nativePart `json:"parts"`
}

type nativePart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type nativeToolDecl struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type nativeResponse struct {
	Candidates []struct {
		Content      nativeContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// toNative converts the canonical request to the generateContent shape.
// Thinking budget and session generation-config extras land inside
// generationConfig.
func toNative(chat service.ChatRequest, thinkingBudget int, extras map[string]any) (*nativeRequest, error) {
	out := &nativeRequest{}

	var systemParts []nativePart
	for _, msg := range chat.Messages {
		switch msg.Role {
		case service.RoleSystem:
			if text := msg.Content.Text(); text != "" {
				systemParts = append(systemParts, nativePart{Text: text})
			}
		case service.RoleUser:
			parts := textParts(msg.Content)
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, nativeContent{Role: "user", Parts: parts})
		case service.RoleAssistant:
			var parts []nativePart
			if text := msg.Content.Text(); text != "" {
				parts = append(parts, nativePart{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					// Best effort; unparseable args go up as raw text.
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						args = map[string]any{"_raw": tc.Function.Arguments}
					}
				}
				parts = append(parts, nativePart{FunctionCall: &functionCall{Name: tc.Function.Name, Args: args}})
			}
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, nativeContent{Role: "model", Parts: parts})
		case service.RoleTool:
			name := msg.Name
			if name == "" {
				name = "tool"
			}
			out.Contents = append(out.Contents, nativeContent{
				Role: "user",
				Parts: []nativePart{{FunctionResponse: &functionResponse{
					Name:     name,
					Response: map[string]any{"content": msg.Content.Text()},
				}}},
			})
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &nativeContent{Parts: systemParts}
	}
	if len(out.Contents) == 0 {
		return nil, fmt.Errorf("no convertible messages in request")
	}

	genConfig := map[string]any{}
	for k, v := range extras {
		genConfig[k] = v
	}
	if chat.Temperature != nil {
		genConfig["temperature"] = *chat.Temperature
	}
	if chat.TopP != nil {
		genConfig["topP"] = *chat.TopP
	}
	if chat.MaxTokens != nil && *chat.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = *chat.MaxTokens
	}
	if thinkingBudget > 0 {
		genConfig["thinkingConfig"] = map[string]any{"thinkingBudget": thinkingBudget}
	}
	if len(genConfig) > 0 {
		out.GenerationConfig = genConfig
	}

	var decls []functionDeclaration
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
		decls = append(decls, functionDeclaration{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	if len(decls) > 0 {
		out.Tools = []nativeToolDecl{{FunctionDeclarations: decls}}
	}
	return out, nil
}

func textParts(content service.MessageContent) []nativePart {
	if !content.IsParts() {
		if content.Text() == "" {
			return nil
		}
		return []nativePart{{Text: content.Text()}}
	}
	var parts []nativePart
	for _, p := range content.Parts() {
		if p.IsText() && p.Text != "" {
			parts = append(parts, nativePart{Text: p.Text})
		}
	}
	return parts
}

// fromNative converts a generateContent response to a chat-completion body.
func fromNative(resp *nativeResponse, model string) ([]byte, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response: no candidates")
	}
	candidate := resp.Candidates[0]

	var text strings.Builder
	var toolCalls []map[string]any
	for i, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, map[string]any{
				"index": i,
				"id":    fmt.Sprintf("call_%d", i),
				"type":  "function",
				"function": map[string]any{
					"name":      part.FunctionCall.Name,
					"arguments": string(args),
				},
			})
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}

	finish := mapFinishReason(candidate.FinishReason)
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	message := map[string]any{
		"role":    "assistant",
		"content": text.String(),
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	if model == "" {
		model = resp.ModelVersion
	}
	body := map[string]any{
		"object": "chat.completion",
		"model":  model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.UsageMetadata.PromptTokenCount,
			"completion_tokens": resp.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      resp.UsageMetadata.TotalTokenCount,
		},
	}
	return json.Marshal(body)
}

func mapFinishReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS":
		return "length"
	case "STOP", "":
		return "stop"
	default:
		return "stop"
	}
}
