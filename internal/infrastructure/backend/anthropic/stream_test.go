package anthropic

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/service"
)

func eventStream(lines ...string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")),
	}
}

func drain(t *testing.T, stream <-chan service.StreamingContent) []service.StreamingContent {
	t.Helper()
	var out []service.StreamingContent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case item, ok := <-stream:
			if !ok {
				return out
			}
			out = append(out, item)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestTranslateEventsText(t *testing.T) {
	resp := eventStream(
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4","usage":{"input_tokens":12}}}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	)
	s := translateEvents(context.Background(), resp, zap.NewNop())
	items := drain(t, s.Chunks)
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(items) != 4 {
		t.Fatalf("got %d items, want text, text, finish, done: %+v", len(items), items)
	}
	if items[0].Content != "Hel" || items[1].Content != "lo" {
		t.Fatalf("text deltas %q %q", items[0].Content, items[1].Content)
	}
	finish := items[2]
	if finish.FinishReason != "stop" {
		t.Fatalf("finish reason %q", finish.FinishReason)
	}
	if finish.Usage == nil || finish.Usage.PromptTokens != 12 || finish.Usage.CompletionTokens != 4 || finish.Usage.TotalTokens != 16 {
		t.Fatalf("usage %+v", finish.Usage)
	}
	if !items[3].IsDone {
		t.Fatalf("missing done marker: %+v", items[3])
	}
}

func TestTranslateEventsToolUse(t *testing.T) {
	resp := eventStream(
		`data: {"type":"message_start","message":{"id":"msg_2","model":"claude-sonnet-4","usage":{"input_tokens":3}}}`,
		``,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_7","name":"ls"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"pa"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"th\":\"/\"}"}}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	)
	s := translateEvents(context.Background(), resp, zap.NewNop())
	items := drain(t, s.Chunks)
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(items) != 5 {
		t.Fatalf("got %d items: %+v", len(items), items)
	}
	open := items[0].ToolCalls
	if len(open) != 1 || open[0].ID != "toolu_7" || open[0].Function.Name != "ls" || open[0].Index != 0 {
		t.Fatalf("opening tool call %+v", open)
	}
	var args strings.Builder
	for _, item := range items[1:3] {
		if len(item.ToolCalls) != 1 || item.ToolCalls[0].Index != 0 {
			t.Fatalf("argument delta %+v", item)
		}
		args.WriteString(item.ToolCalls[0].Function.Arguments)
	}
	if args.String() != `{"path":"/"}` {
		t.Fatalf("reassembled arguments %q", args.String())
	}
	if items[3].FinishReason != "tool_calls" {
		t.Fatalf("finish reason %q", items[3].FinishReason)
	}
}

func TestTranslateEventsUpstreamError(t *testing.T) {
	resp := eventStream(
		`data: {"type":"message_start","message":{"id":"msg_3","model":"claude-sonnet-4","usage":{}}}`,
		``,
		`data: {"type":"error","error":{"type":"overloaded_error","message":"try later"}}`,
		``,
	)
	s := translateEvents(context.Background(), resp, zap.NewNop())
	drain(t, s.Chunks)
	err := s.Err()
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Fatalf("terminal error %v", err)
	}
}
