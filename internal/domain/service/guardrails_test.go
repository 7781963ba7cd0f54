package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

func loopMiddleware(cfg LoopDetectionConfig) (*LoopDetectionMiddleware, *ToolLoopTracker) {
	tracker := NewToolLoopTracker()
	return NewLoopDetectionMiddleware(cfg, tracker, zap.NewNop()), tracker
}

func loopSctx() *StreamContext {
	return NewStreamContext(context.Background(), "sess", valueobject.NewSessionState(), "m", true)
}

func TestLoopWindowDetectsRepetition(t *testing.T) {
	cfg := DefaultLoopDetectionConfig()
	mw, _ := loopMiddleware(cfg)
	sctx := loopSctx()

	var loopErr error
	for i := 0; i < cfg.Threshold+2; i++ {
		_, err := mw.ProcessChunk(sctx, StreamingContent{Content: "same phrase "})
		if err != nil {
			loopErr = err
			break
		}
	}
	if loopErr == nil {
		t.Fatal("repeated text should trip loop detection")
	}
	var le *LoopDetectionError
	if !errors.As(loopErr, &le) {
		t.Fatalf("error type = %T", loopErr)
	}
	if le.Repeats < cfg.Threshold {
		t.Errorf("repeats = %d, want >= %d", le.Repeats, cfg.Threshold)
	}
}

func TestLoopWindowIgnoresVariedText(t *testing.T) {
	mw, _ := loopMiddleware(DefaultLoopDetectionConfig())
	sctx := loopSctx()

	words := strings.Fields("the quick brown fox jumps over a lazy dog and keeps going without repeating itself once")
	for _, w := range words {
		if _, err := mw.ProcessChunk(sctx, StreamingContent{Content: w + " "}); err != nil {
			t.Fatalf("varied text tripped detection at %q: %v", w, err)
		}
	}
}

func TestLoopDetectionDisabledPerSession(t *testing.T) {
	mw, _ := loopMiddleware(DefaultLoopDetectionConfig())
	state := valueobject.NewSessionState().
		WithLoopConfig(valueobject.NewLoopConfig().WithLoopDetection(false))
	sctx := NewStreamContext(context.Background(), "sess", state, "m", true)

	for i := 0; i < 40; i++ {
		if _, err := mw.ProcessChunk(sctx, StreamingContent{Content: "same phrase "}); err != nil {
			t.Fatalf("disabled session still tripped: %v", err)
		}
	}
}

func TestToolLoopTrackerCountsIdenticalCalls(t *testing.T) {
	tracker := NewToolLoopTracker()

	if n := tracker.Record("s", "get_weather", `{"city":"Oslo"}`, time.Minute); n != 1 {
		t.Errorf("first count = %d, want 1", n)
	}
	// Key order must not matter.
	if n := tracker.Record("s", "get_weather", `{ "city" : "Oslo" }`, time.Minute); n != 2 {
		t.Errorf("second count = %d, want 2", n)
	}
	if n := tracker.Record("s", "get_weather", `{"city":"Bergen"}`, time.Minute); n != 1 {
		t.Errorf("different args count = %d, want 1", n)
	}
	if n := tracker.Record("other", "get_weather", `{"city":"Oslo"}`, time.Minute); n != 1 {
		t.Errorf("different session count = %d, want 1", n)
	}
}

func TestToolLoopTrackerTTLExpiry(t *testing.T) {
	tracker := NewToolLoopTracker()
	base := time.Now()
	tracker.nowFunc = func() time.Time { return base }

	tracker.Record("s", "read_file", `{"path":"a"}`, time.Minute)
	tracker.nowFunc = func() time.Time { return base.Add(2 * time.Minute) }

	if n := tracker.Record("s", "read_file", `{"path":"a"}`, time.Minute); n != 1 {
		t.Errorf("count after TTL = %d, want 1", n)
	}
}

func TestToolLoopBreakMode(t *testing.T) {
	cfg := DefaultLoopDetectionConfig()
	cfg.ToolLoopMaxRepeats = 2
	mw, _ := loopMiddleware(cfg)

	call := []ToolCall{{Index: 0, ID: "c1", Type: "function",
		Function: ToolCallFunction{Name: "read_file", Arguments: `{"path":"a"}`}}}

	for round := 1; round <= 2; round++ {
		sctx := loopSctx()
		if _, err := mw.ProcessChunk(sctx, StreamingContent{ToolCalls: call}); err != nil {
			t.Fatalf("round %d chunk: %v", round, err)
		}
		_, err := mw.Finalize(sctx)
		if round == 1 && err != nil {
			t.Fatalf("first identical call should pass: %v", err)
		}
		if round == 2 {
			var te *ToolLoopError
			if !errors.As(err, &te) {
				t.Fatalf("second identical call error = %v, want ToolLoopError", err)
			}
			if te.ToolName != "read_file" || te.Count < 2 {
				t.Errorf("tool loop error = %+v", te)
			}
		}
	}
}

func TestToolLoopWarnMode(t *testing.T) {
	cfg := DefaultLoopDetectionConfig()
	cfg.ToolLoopMaxRepeats = 2
	cfg.ToolLoopMode = valueobject.ToolLoopModeWarn
	mw, _ := loopMiddleware(cfg)

	call := []ToolCall{{Index: 0,
		Function: ToolCallFunction{Name: "read_file", Arguments: `{"path":"a"}`}}}

	var warnings []StreamingContent
	for round := 1; round <= 2; round++ {
		sctx := loopSctx()
		if _, err := mw.ProcessChunk(sctx, StreamingContent{ToolCalls: call}); err != nil {
			t.Fatalf("chunk: %v", err)
		}
		injected, err := mw.Finalize(sctx)
		if err != nil {
			t.Fatalf("warn mode must not abort: %v", err)
		}
		warnings = injected
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0].Content, "repeated") {
		t.Errorf("warn mode should inject a notice, got %+v", warnings)
	}
}

func TestToolLoopArgumentFragmentsAccumulate(t *testing.T) {
	cfg := DefaultLoopDetectionConfig()
	cfg.ToolLoopMaxRepeats = 2
	mw, tracker := loopMiddleware(cfg)

	sctx := loopSctx()
	mw.ProcessChunk(sctx, StreamingContent{ToolCalls: []ToolCall{
		{Index: 0, ID: "c1", Function: ToolCallFunction{Name: "search"}},
	}})
	mw.ProcessChunk(sctx, StreamingContent{ToolCalls: []ToolCall{
		{Index: 0, Function: ToolCallFunction{Arguments: `{"q":`}},
	}})
	mw.ProcessChunk(sctx, StreamingContent{ToolCalls: []ToolCall{
		{Index: 0, Function: ToolCallFunction{Arguments: `"go"}`}},
	}})
	if _, err := mw.Finalize(sctx); err != nil {
		t.Fatalf("single call aborted: %v", err)
	}

	// The assembled signature must match a whole-argument record.
	if n := tracker.Record("sess", "search", `{"q":"go"}`, cfg.ToolLoopTTL); n != 2 {
		t.Errorf("accumulated fragments count = %d, want 2", n)
	}
}
