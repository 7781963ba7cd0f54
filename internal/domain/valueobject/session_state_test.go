package valueobject

import "testing"

func TestSessionStateMutatorsLeaveReceiverUnchanged(t *testing.T) {
	base := NewSessionState()

	rc, err := base.ReasoningConfig().WithTemperature(0.7)
	if err != nil {
		t.Fatalf("WithTemperature: %v", err)
	}
	mutated := base.WithReasoningConfig(rc).
		WithProject("alpha").
		WithHelloRequested(true)

	if !base.Equals(NewSessionState()) {
		t.Error("base state changed by mutators")
	}
	if mutated.Equals(base) {
		t.Error("mutated state should differ from base")
	}
	if got, ok := mutated.ReasoningConfig().Temperature(); !ok || got != 0.7 {
		t.Errorf("temperature = %v, %v; want 0.7, true", got, ok)
	}
}

func TestSessionStateBuilderRoundTrip(t *testing.T) {
	rc, _ := NewReasoningConfig().WithTemperature(1.5)
	seed := NewSessionState().
		WithReasoningConfig(rc).
		WithProject("beta").
		WithProjectDir("/tmp/beta")

	built := NewSessionStateBuilder(seed).Build()
	if !built.Equals(seed) {
		t.Error("builder without setters must reproduce the seed state")
	}

	changed := NewSessionStateBuilder(seed).Project("gamma").Build()
	if changed.Project() != "gamma" {
		t.Errorf("project = %q, want gamma", changed.Project())
	}
	if seed.Project() != "beta" {
		t.Error("builder mutated its seed")
	}
}

func TestTemperatureBounds(t *testing.T) {
	cases := []struct {
		value float64
		ok    bool
	}{
		{0.0, true},
		{2.0, true},
		{-0.0001, false},
		{2.0001, false},
	}
	for _, tc := range cases {
		_, err := NewReasoningConfig().WithTemperature(tc.value)
		if (err == nil) != tc.ok {
			t.Errorf("WithTemperature(%v) err = %v, want ok=%v", tc.value, err, tc.ok)
		}
	}
}

func TestThinkingBudgetBounds(t *testing.T) {
	cases := []struct {
		value int
		ok    bool
	}{
		{128, true},
		{32768, true},
		{127, false},
		{32769, false},
	}
	for _, tc := range cases {
		_, err := NewReasoningConfig().WithThinkingBudget(tc.value)
		if (err == nil) != tc.ok {
			t.Errorf("WithThinkingBudget(%d) err = %v, want ok=%v", tc.value, err, tc.ok)
		}
	}
}

func TestReasoningEffortValues(t *testing.T) {
	for _, v := range []string{"low", "medium", "high", "maximum"} {
		if _, err := NewReasoningConfig().WithReasoningEffort(v); err != nil {
			t.Errorf("WithReasoningEffort(%q): %v", v, err)
		}
	}
	if _, err := NewReasoningConfig().WithReasoningEffort("extreme"); err == nil {
		t.Error("WithReasoningEffort(extreme) should fail")
	}
}

func TestToolLoopBounds(t *testing.T) {
	if _, err := NewLoopConfig().WithToolLoopMaxRepeats(1); err == nil {
		t.Error("max repeats 1 should be rejected")
	}
	lc, err := NewLoopConfig().WithToolLoopMaxRepeats(2)
	if err != nil {
		t.Fatalf("max repeats 2: %v", err)
	}
	if n, ok := lc.ToolLoopMaxRepeats(); !ok || n != 2 {
		t.Errorf("ToolLoopMaxRepeats = %d, %v; want 2, true", n, ok)
	}

	if _, err := NewLoopConfig().WithToolLoopTTLSeconds(0); err == nil {
		t.Error("ttl 0 should be rejected")
	}
	if _, err := NewLoopConfig().WithToolLoopTTLSeconds(1); err != nil {
		t.Errorf("ttl 1: %v", err)
	}
}

func TestLoopDetectionDefaultsOn(t *testing.T) {
	lc := NewLoopConfig()
	if !lc.LoopDetectionEnabled() {
		t.Error("loop detection should default to enabled")
	}
	if !lc.ToolLoopDetectionEnabled() {
		t.Error("tool loop detection should default to enabled")
	}
	off := lc.WithLoopDetection(false)
	if off.LoopDetectionEnabled() {
		t.Error("WithLoopDetection(false) did not disable")
	}
	if !lc.LoopDetectionEnabled() {
		t.Error("receiver mutated")
	}
}

func TestInteractiveJustEnabledTransition(t *testing.T) {
	s := NewSessionState()
	if !s.InteractiveMode() {
		t.Fatal("interactive mode should default to on")
	}

	off := s.WithInteractiveMode(false)
	if off.InteractiveMode() {
		t.Fatal("WithInteractiveMode(false) did not disable")
	}
	if off.InteractiveJustEnabled() {
		t.Error("disabling must not set interactiveJustEnabled")
	}

	on := off.WithInteractiveMode(true)
	if !on.InteractiveJustEnabled() {
		t.Error("re-enabling should set interactiveJustEnabled")
	}

	still := s.WithInteractiveMode(true)
	if still.InteractiveJustEnabled() {
		t.Error("enabling an already-on mode should not set interactiveJustEnabled")
	}
}

func TestWithOneShotFlagsCleared(t *testing.T) {
	s := NewSessionState().WithHelloRequested(true).WithInteractiveMode(false).WithInteractiveMode(true)
	cleared := s.WithOneShotFlagsCleared()
	if cleared.HelloRequested() || cleared.InteractiveJustEnabled() {
		t.Error("one-shot flags should be cleared")
	}
	if !s.HelloRequested() {
		t.Error("receiver mutated")
	}
}

func TestOpenAIURLValidation(t *testing.T) {
	if _, err := NewBackendConfig().WithOpenAIURL("ftp://example.com"); err == nil {
		t.Error("non-http scheme should be rejected")
	}
	bc, err := NewBackendConfig().WithOpenAIURL("https://llm.internal:8443/v1")
	if err != nil {
		t.Fatalf("https url: %v", err)
	}
	if bc.OpenAIURL() != "https://llm.internal:8443/v1" {
		t.Errorf("OpenAIURL = %q", bc.OpenAIURL())
	}
}
