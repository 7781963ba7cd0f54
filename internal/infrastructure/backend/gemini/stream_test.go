package gemini

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

func fragmentStream(lines ...string) *http.Response {
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
	resp := fragmentStream(
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}],"modelVersion":"gemini-2.0-flash"}`,
		``,
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":3,"totalTokenCount":8}}`,
		``,
	)
	s := translateEvents(context.Background(), resp, "gemini-2.0-flash", zap.NewNop())
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
	if finish.Usage == nil || finish.Usage.TotalTokens != 8 || finish.Usage.PromptTokens != 5 {
		t.Fatalf("usage %+v", finish.Usage)
	}
	if !items[3].IsDone {
		t.Fatalf("missing done marker: %+v", items[3])
	}
}

func TestTranslateEventsFunctionCall(t *testing.T) {
	resp := fragmentStream(
		`data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"ls","args":{"path":"/"}}}]},"finishReason":"STOP"}]}`,
		``,
	)
	s := translateEvents(context.Background(), resp, "gemini-2.0-flash", zap.NewNop())
	items := drain(t, s.Chunks)
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(items) != 3 {
		t.Fatalf("got %d items: %+v", len(items), items)
	}
	call := items[0].ToolCalls
	if len(call) != 1 || call[0].Function.Name != "ls" || call[0].Function.Arguments != `{"path":"/"}` {
		t.Fatalf("tool call %+v", call)
	}
	if items[1].FinishReason != "tool_calls" {
		t.Fatalf("finish reason %q, want tool_calls when calls were emitted", items[1].FinishReason)
	}
}

func TestTranslateEventsMaxTokens(t *testing.T) {
	resp := fragmentStream(
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"truncat"}]},"finishReason":"MAX_TOKENS"}]}`,
		``,
	)
	s := translateEvents(context.Background(), resp, "", zap.NewNop())
	items := drain(t, s.Chunks)

	if len(items) != 3 {
		t.Fatalf("items %+v", items)
	}
	if items[1].FinishReason != "length" {
		t.Fatalf("finish reason %q", items[1].FinishReason)
	}
}
