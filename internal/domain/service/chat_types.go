package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Conversation roles of the chat-completions shape.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPartText is the only part type the proxy inspects and rewrites.
const ContentPartText = "text"

// ContentPart is one element of a multimodal content array. Text parts are
// decoded for inspection and rewriting; every other part type is carried
// verbatim and re-emitted byte-for-byte.
type ContentPart struct {
	Type string
	Text string
	raw  json.RawMessage
}

// NewTextPart builds a text part.
func NewTextPart(text string) ContentPart {
	return ContentPart{Type: ContentPartText, Text: text}
}

func (p ContentPart) IsText() bool { return p.Type == ContentPartText }

// WithText returns the part with its text replaced. Extra fields present on
// the original wire part are preserved.
func (p ContentPart) WithText(text string) ContentPart {
	next := p
	next.Text = text
	if len(p.raw) > 0 {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(p.raw, &m); err == nil {
			encoded, err := json.Marshal(text)
			if err == nil {
				m["text"] = encoded
				if b, err := json.Marshal(m); err == nil {
					next.raw = b
					return next
				}
			}
		}
		next.raw = nil
	}
	return next
}

func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	p.Type = probe.Type
	p.Text = probe.Text
	p.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (p ContentPart) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	if p.IsText() {
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: ContentPartText, Text: p.Text})
	}
	return nil, fmt.Errorf("content part of type %q has no raw payload", p.Type)
}

// MessageContent is either a plain string or an ordered list of parts,
// mirroring the chat-completions content field.
type MessageContent struct {
	text    string
	parts   []ContentPart
	isParts bool
}

// NewTextContent wraps a plain string content.
func NewTextContent(text string) MessageContent {
	return MessageContent{text: text}
}

// NewPartsContent wraps a multimodal parts list.
func NewPartsContent(parts []ContentPart) MessageContent {
	copied := make([]ContentPart, len(parts))
	copy(copied, parts)
	return MessageContent{parts: copied, isParts: true}
}

func (c MessageContent) IsParts() bool { return c.isParts }

// Parts returns a copy of the parts list; empty for plain-string content.
func (c MessageContent) Parts() []ContentPart {
	out := make([]ContentPart, len(c.parts))
	copy(out, c.parts)
	return out
}

// Text returns plain content, or the concatenated text parts for
// multimodal content.
func (c MessageContent) Text() string {
	if !c.isParts {
		return c.text
	}
	var sb strings.Builder
	for _, p := range c.parts {
		if p.IsText() {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// IsEmpty reports whether nothing remains to send: blank plain text, or a
// parts list with no parts left.
func (c MessageContent) IsEmpty() bool {
	if !c.isParts {
		return strings.TrimSpace(c.text) == ""
	}
	return len(c.parts) == 0
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = MessageContent{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = MessageContent{text: s}
		return nil
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		*c = MessageContent{parts: parts, isParts: true}
		return nil
	default:
		return fmt.Errorf("message content must be a string or an array of parts")
	}
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isParts {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

// ChatMessage is one entry of the canonical conversation.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
}

// ToolCall mirrors the chat-completions tool_calls element; Index carries
// the streaming delta position.
type ToolCall struct {
	Index    int              `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage carries token counts in whichever naming the upstream used.
type Usage struct {
	TotalTokens      int `json:"total_tokens,omitempty"`
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	InputTokens      int `json:"input_tokens,omitempty"`
	OutputTokens     int `json:"output_tokens,omitempty"`
}

// Total returns the best available total token count.
func (u *Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	if u.PromptTokens+u.CompletionTokens > 0 {
		return u.PromptTokens + u.CompletionTokens
	}
	if u.InputTokens+u.OutputTokens > 0 {
		return u.InputTokens + u.OutputTokens
	}
	return 0
}

// chatRequestKnownFields are the ChatRequest fields decoded into struct
// members; everything else round-trips through Extra untouched.
var chatRequestKnownFields = map[string]bool{
	"model": true, "messages": true, "stream": true, "temperature": true,
	"top_p": true, "max_tokens": true, "tools": true, "tool_choice": true,
	"session_id": true,
}

// ChatRequest is the canonical request shape, independent of any provider
// wire format. Model may be bare ("gpt-4") or qualified
// ("backend:model" / "backend/model").
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Tools       []json.RawMessage
	ToolChoice  json.RawMessage
	SessionID   string
	Extra       map[string]json.RawMessage
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil
		}
		return json.Unmarshal(raw, dst)
	}
	if err := take("model", &r.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := take("messages", &r.Messages); err != nil {
		return fmt.Errorf("messages: %w", err)
	}
	if err := take("stream", &r.Stream); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := take("temperature", &r.Temperature); err != nil {
		return fmt.Errorf("temperature: %w", err)
	}
	if err := take("top_p", &r.TopP); err != nil {
		return fmt.Errorf("top_p: %w", err)
	}
	if err := take("max_tokens", &r.MaxTokens); err != nil {
		return fmt.Errorf("max_tokens: %w", err)
	}
	if err := take("tools", &r.Tools); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	if raw, ok := fields["tool_choice"]; ok {
		r.ToolChoice = append(json.RawMessage(nil), raw...)
	}
	if err := take("session_id", &r.SessionID); err != nil {
		return fmt.Errorf("session_id: %w", err)
	}
	for key, raw := range fields {
		if chatRequestKnownFields[key] {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[key] = append(json.RawMessage(nil), raw...)
	}
	return nil
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+8)
	for key, raw := range r.Extra {
		fields[key] = raw
	}
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		fields[key] = b
		return nil
	}
	if err := put("model", r.Model); err != nil {
		return nil, err
	}
	if err := put("messages", r.Messages); err != nil {
		return nil, err
	}
	if r.Stream {
		if err := put("stream", true); err != nil {
			return nil, err
		}
	}
	if r.Temperature != nil {
		if err := put("temperature", *r.Temperature); err != nil {
			return nil, err
		}
	}
	if r.TopP != nil {
		if err := put("top_p", *r.TopP); err != nil {
			return nil, err
		}
	}
	if r.MaxTokens != nil {
		if err := put("max_tokens", *r.MaxTokens); err != nil {
			return nil, err
		}
	}
	if len(r.Tools) > 0 {
		if err := put("tools", r.Tools); err != nil {
			return nil, err
		}
	}
	if len(r.ToolChoice) > 0 {
		fields["tool_choice"] = r.ToolChoice
	}
	return json.Marshal(fields)
}

// Clone returns a copy safe to mutate for a retry: the message slice and
// Extra map are fresh, message contents are value types already.
func (r ChatRequest) Clone() ChatRequest {
	out := r
	out.Messages = make([]ChatMessage, len(r.Messages))
	copy(out.Messages, r.Messages)
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.TopP != nil {
		t := *r.TopP
		out.TopP = &t
	}
	if r.MaxTokens != nil {
		m := *r.MaxTokens
		out.MaxTokens = &m
	}
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// SplitQualifiedModel splits "backend:model" or "backend/model" into its
// halves; ok is false for a bare model name.
func SplitQualifiedModel(model string) (backend, bare string, ok bool) {
	for _, sep := range []string{":", "/"} {
		if idx := strings.Index(model, sep); idx > 0 && idx < len(model)-1 {
			return model[:idx], model[idx+1:], true
		}
	}
	return "", model, false
}

// ResponseEnvelope is a complete non-streaming reply.
type ResponseEnvelope struct {
	Status  int
	Headers map[string]string
	Body    map[string]any
}

// StreamingEnvelope is a streaming reply: an ordered sequence of normalized
// items. The HTTP layer frames items as SSE and appends the [DONE] sentinel.
type StreamingEnvelope struct {
	MediaType string
	Chunks    <-chan StreamingContent
}
