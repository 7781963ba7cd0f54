package service

import (
	"encoding/json"
	"time"
)

// StreamingContent is one normalized item of a model reply, decoupled from
// upstream transport framing. Adapters fill Raw with the chat-completion
// chunk JSON they would emit; the fields beside it are the parsed view the
// middleware chain works on. A terminal item has IsDone set and no Raw.
type StreamingContent struct {
	Raw            []byte
	Content        string
	ToolCalls      []ToolCall
	FinishReason   string
	Usage          *Usage
	Metadata       map[string]any
	IsDone         bool
	IsCancellation bool
}

// DoneContent is the terminal end-of-stream marker.
func DoneContent() StreamingContent {
	return StreamingContent{IsDone: true}
}

// CancellationContent marks client-side cancellation.
func CancellationContent() StreamingContent {
	return StreamingContent{IsDone: true, IsCancellation: true}
}

// chunkEnvelope mirrors the chat.completion.chunk wire object closely
// enough to parse and rebuild deltas.
type chunkEnvelope struct {
	ID      string        `json:"id,omitempty"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []chunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ParseChunk decodes a chat-completion chunk into a normalized item. Bytes
// that do not decode are passed through untouched so exotic upstream frames
// survive the chain.
func ParseChunk(raw []byte) StreamingContent {
	item := StreamingContent{Raw: raw}
	var env chunkEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return item
	}
	if len(env.Choices) > 0 {
		item.Content = env.Choices[0].Delta.Content
		item.ToolCalls = env.Choices[0].Delta.ToolCalls
		if env.Choices[0].FinishReason != nil {
			item.FinishReason = *env.Choices[0].FinishReason
		}
	}
	item.Usage = env.Usage
	return item
}

// WithContent returns the item with its text delta replaced, patching the
// raw chunk JSON to match.
func (sc StreamingContent) WithContent(text string) StreamingContent {
	next := sc
	next.Content = text
	if len(sc.Raw) == 0 {
		return next
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(sc.Raw, &m); err != nil {
		return next
	}
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(m["choices"], &choices); err != nil || len(choices) == 0 {
		return next
	}
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(choices[0]["delta"], &delta); err != nil {
		return next
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return next
	}
	delta["content"] = encoded
	if b, err := json.Marshal(delta); err == nil {
		choices[0]["delta"] = b
	}
	if b, err := json.Marshal(choices); err == nil {
		m["choices"] = b
	}
	if b, err := json.Marshal(m); err == nil {
		next.Raw = b
	}
	return next
}

// BuildTextChunk assembles a minimal chat.completion.chunk carrying a text
// delta, used for proxy-injected stream items.
func BuildTextChunk(id, model, text string) StreamingContent {
	env := chunkEnvelope{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{Delta: chunkDelta{Content: text}}},
	}
	raw, _ := json.Marshal(env)
	return StreamingContent{Raw: raw, Content: text}
}

// BuildToolCallChunk assembles a chunk carrying tool-call deltas, used when
// the chain injects repaired tool arguments.
func BuildToolCallChunk(id, model string, calls []ToolCall) StreamingContent {
	env := chunkEnvelope{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{Delta: chunkDelta{ToolCalls: calls}}},
	}
	raw, _ := json.Marshal(env)
	return StreamingContent{Raw: raw, ToolCalls: calls}
}

// BuildFinishChunk assembles the closing chunk carrying finish_reason and
// optional usage, for adapters that translate foreign event streams.
func BuildFinishChunk(id, model, finishReason string, usage *Usage) StreamingContent {
	env := chunkEnvelope{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{FinishReason: &finishReason}},
		Usage:   usage,
	}
	raw, _ := json.Marshal(env)
	return StreamingContent{Raw: raw, FinishReason: finishReason, Usage: usage}
}

// ExtractBodyText pulls choices[0].message.content from a non-streaming
// completion body.
func ExtractBodyText(body map[string]any) (string, bool) {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := message["content"].(string)
	return content, ok
}

// SetBodyText writes choices[0].message.content in place.
func SetBodyText(body map[string]any, text string) {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return
	}
	message["content"] = text
}

// ExtractBodyToolCalls pulls choices[0].message.tool_calls from a
// non-streaming body, tolerating absent fields.
func ExtractBodyToolCalls(body map[string]any) []map[string]any {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return nil
	}
	rawCalls, ok := message["tool_calls"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(rawCalls))
	for _, rc := range rawCalls {
		if call, ok := rc.(map[string]any); ok {
			out = append(out, call)
		}
	}
	return out
}
