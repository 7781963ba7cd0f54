package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// fakeMW is a configurable chain member for pipeline tests.
type fakeMW struct {
	NoOpResponseMiddleware
	name     string
	priority int
	onChunk  func(sctx *StreamContext, item StreamingContent) (StreamingContent, error)
	onFinal  func(sctx *StreamContext) ([]StreamingContent, error)
}

func (m *fakeMW) Name() string  { return m.name }
func (m *fakeMW) Priority() int { return m.priority }

func (m *fakeMW) ProcessChunk(sctx *StreamContext, item StreamingContent) (StreamingContent, error) {
	if m.onChunk != nil {
		return m.onChunk(sctx, item)
	}
	return item, nil
}

func (m *fakeMW) Finalize(sctx *StreamContext) ([]StreamingContent, error) {
	if m.onFinal != nil {
		return m.onFinal(sctx)
	}
	return nil, nil
}

func chainSctx() *StreamContext {
	return NewStreamContext(context.Background(), "sess", valueobject.NewSessionState(), "m", true)
}

func TestResponseChainOrdersByPriority(t *testing.T) {
	chain := NewResponseChain(zap.NewNop(),
		&fakeMW{name: "last", priority: 90},
		&fakeMW{name: "first", priority: 10},
		&fakeMW{name: "middle", priority: 50},
	)
	chain.Use(&fakeMW{name: "second", priority: 20})

	names := chain.Names()
	want := []string{"first", "second", "middle", "last"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("position %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestResponseChainWrapFlowsAndFinalizes(t *testing.T) {
	marker := &fakeMW{name: "marker", priority: 10,
		onChunk: func(_ *StreamContext, item StreamingContent) (StreamingContent, error) {
			return item.WithContent(item.Content + "!"), nil
		},
		onFinal: func(_ *StreamContext) ([]StreamingContent, error) {
			return []StreamingContent{BuildTextChunk("id", "m", "tail")}, nil
		},
	}
	chain := NewResponseChain(zap.NewNop(), marker)
	sctx := chainSctx()

	upstream := make(chan StreamingContent, 4)
	upstream <- BuildTextChunk("id", "m", "a")
	upstream <- BuildTextChunk("id", "m", "b")
	upstream <- DoneContent()
	close(upstream)

	resultCh := make(chan StreamResult, 1)
	out := chain.Wrap(sctx, upstream, func(r StreamResult) { resultCh <- r })

	var got []string
	for item := range out {
		got = append(got, item.Content)
	}
	res := <-resultCh
	if res.Err != nil {
		t.Fatalf("stream result err = %v", res.Err)
	}
	if strings.Join(got, ",") != "a!,b!,tail" {
		t.Errorf("items = %v", got)
	}
	if sctx.ChunkCount() != 2 {
		t.Errorf("chunk count = %d, want 2", sctx.ChunkCount())
	}
	if sctx.Accumulated() != "a!b!" {
		t.Errorf("accumulated = %q", sctx.Accumulated())
	}
}

func TestResponseChainWrapAbortsOnChunkError(t *testing.T) {
	boom := errors.New("chain abort")
	chain := NewResponseChain(zap.NewNop(), &fakeMW{name: "bomb", priority: 10,
		onChunk: func(_ *StreamContext, item StreamingContent) (StreamingContent, error) {
			if item.Content == "bad" {
				return item, boom
			}
			return item, nil
		},
	})

	upstream := make(chan StreamingContent, 4)
	upstream <- BuildTextChunk("id", "m", "ok")
	upstream <- BuildTextChunk("id", "m", "bad")
	upstream <- BuildTextChunk("id", "m", "never")
	close(upstream)

	resultCh := make(chan StreamResult, 1)
	out := chain.Wrap(chainSctx(), upstream, func(r StreamResult) { resultCh <- r })

	var forwarded int
	for range out {
		forwarded++
	}
	if forwarded != 1 {
		t.Errorf("forwarded %d items, want 1", forwarded)
	}
	if res := <-resultCh; !errors.Is(res.Err, boom) {
		t.Errorf("stream result err = %v, want %v", res.Err, boom)
	}
}

func TestResponseChainWrapCancellationItem(t *testing.T) {
	chain := NewResponseChain(zap.NewNop())

	upstream := make(chan StreamingContent, 2)
	upstream <- BuildTextChunk("id", "m", "a")
	upstream <- CancellationContent()
	close(upstream)

	resultCh := make(chan StreamResult, 1)
	out := chain.Wrap(chainSctx(), upstream, func(r StreamResult) { resultCh <- r })
	for range out {
	}
	if res := <-resultCh; !errors.Is(res.Err, context.Canceled) {
		t.Errorf("stream result err = %v, want context.Canceled", res.Err)
	}
}

func TestResponseChainProcessBodyRewritesText(t *testing.T) {
	chain := NewResponseChain(zap.NewNop(), &fakeMW{name: "upper", priority: 10,
		onChunk: func(_ *StreamContext, item StreamingContent) (StreamingContent, error) {
			return item.WithContent(strings.ToUpper(item.Content)), nil
		},
	})

	body := map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"content": "hello"}},
		},
	}
	out, err := chain.ProcessBody(chainSctx(), body)
	if err != nil {
		t.Fatalf("process body: %v", err)
	}
	if text, _ := ExtractBodyText(out); text != "HELLO" {
		t.Errorf("body text = %q, want HELLO", text)
	}
}

func TestResponseChainProcessBodyAppliesToolCallRepairs(t *testing.T) {
	chain := NewResponseChain(zap.NewNop(), &fakeMW{name: "repair", priority: 10,
		onFinal: func(_ *StreamContext) ([]StreamingContent, error) {
			return []StreamingContent{{ToolCalls: []ToolCall{
				{Index: 0, Function: ToolCallFunction{Arguments: `{"fixed":true}`}},
			}}}, nil
		},
	})

	body := map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{
				"content": "",
				"tool_calls": []any{
					map[string]any{
						"id":   "c1",
						"type": "function",
						"function": map[string]any{
							"name":      "run",
							"arguments": `{"fixed":tru`,
						},
					},
				},
			}},
		},
	}
	if _, err := chain.ProcessBody(chainSctx(), body); err != nil {
		t.Fatalf("process body: %v", err)
	}
	calls := ExtractBodyToolCalls(body)
	if len(calls) != 1 {
		t.Fatalf("tool calls = %v", calls)
	}
	fn := calls[0]["function"].(map[string]any)
	if fn["arguments"] != `{"fixed":true}` {
		t.Errorf("arguments = %q", fn["arguments"])
	}
}

func TestStreamContextValuesIsolatedPerResponse(t *testing.T) {
	counting := &fakeMW{name: "count", priority: 10,
		onChunk: func(sctx *StreamContext, item StreamingContent) (StreamingContent, error) {
			n, _ := sctx.Values["seen"].(int)
			sctx.Values["seen"] = n + 1
			return item, nil
		},
	}
	chain := NewResponseChain(zap.NewNop(), counting)

	run := func() *StreamContext {
		sctx := chainSctx()
		upstream := make(chan StreamingContent, 3)
		upstream <- BuildTextChunk("id", "m", "x")
		upstream <- BuildTextChunk("id", "m", "y")
		close(upstream)
		done := make(chan StreamResult, 1)
		out := chain.Wrap(sctx, upstream, func(r StreamResult) { done <- r })
		for range out {
		}
		<-done
		return sctx
	}

	first := run()
	second := run()
	if first.Values["seen"] != 2 || second.Values["seen"] != 2 {
		t.Errorf("per-response counters = %v / %v, want 2 / 2",
			first.Values["seen"], second.Values["seen"])
	}
}
