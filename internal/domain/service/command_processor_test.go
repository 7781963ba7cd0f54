package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

type fakeAppState struct {
	prefix         string
	defaultBackend string
	redaction      bool
	functional     []string
	registered     map[string]bool
	models         map[string][]string
	modelsErr      error
	budgetLocked   bool
	prefixErr      error
}

func newFakeAppState() *fakeAppState {
	return &fakeAppState{
		prefix:         "!/",
		defaultBackend: "openai",
		redaction:      true,
		functional:     []string{"openai", "gemini"},
		registered: map[string]bool{
			"openai": true, "openrouter": true, "anthropic": true, "gemini": true,
		},
		models: map[string][]string{
			"openai": {"gpt-4o", "gpt-4o-mini"},
			"gemini": {"gemini-2.5-flash"},
		},
	}
}

func (f *fakeAppState) AppName() string    { return "promptwire" }
func (f *fakeAppState) AppVersion() string { return "1.0.0-test" }

func (f *fakeAppState) CommandPrefix() string { return f.prefix }
func (f *fakeAppState) SetCommandPrefix(prefix string) error {
	if f.prefixErr != nil {
		return f.prefixErr
	}
	f.prefix = prefix
	return nil
}

func (f *fakeAppState) DefaultBackend() string { return f.defaultBackend }
func (f *fakeAppState) SetDefaultBackend(backend string) error {
	f.defaultBackend = backend
	return nil
}

func (f *fakeAppState) RedactionEnabled() bool           { return f.redaction }
func (f *fakeAppState) SetRedactionEnabled(enabled bool) { f.redaction = enabled }

func (f *fakeAppState) FunctionalBackends() []string      { return f.functional }
func (f *fakeAppState) BackendRegistered(name string) bool { return f.registered[name] }

func (f *fakeAppState) BackendModels(_ context.Context, backend string) ([]string, error) {
	if f.modelsErr != nil {
		return nil, f.modelsErr
	}
	return f.models[backend], nil
}

func (f *fakeAppState) ThinkingBudgetLocked() bool { return f.budgetLocked }

func newTestProcessor(t *testing.T, app ApplicationState) *CommandProcessor {
	t.Helper()
	registry := NewCommandRegistry()
	RegisterBuiltins(registry, true)
	return NewCommandProcessor(registry, app, CommandProcessorConfig{}, zap.NewNop())
}

func userMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: NewTextContent(text)}
}

func TestProcessExecutesAndStripsCommand(t *testing.T) {
	app := newFakeAppState()
	p := newTestProcessor(t, app)

	msgs := []ChatMessage{userMessage("Refactor this. !/set(temperature=0.2) Keep tests green.")}
	res := p.Process(context.Background(), "s1", msgs, valueobject.NewSessionState())

	if !res.CommandExecuted {
		t.Fatal("command should have executed")
	}
	if len(res.Results) != 1 || !res.Results[0].Success {
		t.Fatalf("results = %+v", res.Results)
	}
	if got := res.Messages[0].Content.Text(); got != "Refactor this. Keep tests green." {
		t.Errorf("stripped text = %q", got)
	}
	temp, set := res.FinalState.ReasoningConfig().Temperature()
	if !set || temp != 0.2 {
		t.Errorf("temperature = %v set=%v", temp, set)
	}
	if !res.StateChanged {
		t.Error("state should have changed")
	}
	if res.Results[0].Data["temperature"] != 0.2 {
		t.Errorf("temperature outcome should carry data, got %+v", res.Results[0].Data)
	}
}

func TestProcessPicksNewestUserMessage(t *testing.T) {
	app := newFakeAppState()
	p := newTestProcessor(t, app)

	msgs := []ChatMessage{
		userMessage("!/set(temperature=0.9)"),
		{Role: RoleAssistant, Content: NewTextContent("done")},
		userMessage("!/set(temperature=0.1)"),
	}
	res := p.Process(context.Background(), "s1", msgs, valueobject.NewSessionState())

	temp, _ := res.FinalState.ReasoningConfig().Temperature()
	if temp != 0.1 {
		t.Errorf("temperature = %v, want newest message's 0.1", temp)
	}
	// The older command message stays untouched.
	if got := res.Messages[0].Content.Text(); got != "!/set(temperature=0.9)" {
		t.Errorf("older message modified: %q", got)
	}
}

func TestProcessSkipsAssistantMessages(t *testing.T) {
	app := newFakeAppState()
	p := newTestProcessor(t, app)

	msgs := []ChatMessage{
		userMessage("!/set(temperature=0.5)"),
		{Role: RoleAssistant, Content: NewTextContent("try !/set(temperature=1.9)")},
	}
	res := p.Process(context.Background(), "s1", msgs, valueobject.NewSessionState())

	temp, _ := res.FinalState.ReasoningConfig().Temperature()
	if temp != 0.5 {
		t.Errorf("temperature = %v, assistant content must not execute", temp)
	}
}

func TestProcessDocumentOrderLastWriteWins(t *testing.T) {
	app := newFakeAppState()
	p := newTestProcessor(t, app)

	msgs := []ChatMessage{userMessage("!/set(temperature=0.3) !/set(temperature=0.7)")}
	res := p.Process(context.Background(), "s1", msgs, valueobject.NewSessionState())

	if len(res.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res.Results))
	}
	temp, _ := res.FinalState.ReasoningConfig().Temperature()
	if temp != 0.7 {
		t.Errorf("temperature = %v, want last write 0.7", temp)
	}
}

func TestProcessUnknownCommandPolicy(t *testing.T) {
	app := newFakeAppState()
	p := newTestProcessor(t, app)

	// Interactive (default): unknown spans are stripped.
	msgs := []ChatMessage{userMessage("run !/frobnicate(x=1) now")}
	res := p.Process(context.Background(), "s1", msgs, valueobject.NewSessionState())
	if res.CommandExecuted {
		t.Error("unknown command must not count as executed")
	}
	if got := res.Messages[0].Content.Text(); got != "run now" {
		t.Errorf("interactive strip = %q", got)
	}

	// Non-interactive: unknown spans pass through.
	state := valueobject.NewSessionState().WithInteractiveMode(false)
	res = p.Process(context.Background(), "s1", msgs, state)
	if got := res.Messages[0].Content.Text(); got != "run !/frobnicate(x=1) now" {
		t.Errorf("non-interactive preserve = %q", got)
	}
}

func TestProcessDisabled(t *testing.T) {
	app := newFakeAppState()
	registry := NewCommandRegistry()
	RegisterBuiltins(registry, true)
	p := NewCommandProcessor(registry, app, CommandProcessorConfig{Disabled: true}, zap.NewNop())

	msgs := []ChatMessage{userMessage("!/set(temperature=0.2)")}
	res := p.Process(context.Background(), "s1", msgs, valueobject.NewSessionState())

	if res.CommandExecuted || res.StateChanged {
		t.Error("disabled processor must pass everything through")
	}
	if got := res.Messages[0].Content.Text(); got != "!/set(temperature=0.2)" {
		t.Errorf("text = %q", got)
	}
}

func TestProcessMultimodalFirstTextPart(t *testing.T) {
	app := newFakeAppState()
	p := newTestProcessor(t, app)

	msgs := []ChatMessage{{
		Role: RoleUser,
		Content: NewPartsContent([]ContentPart{
			NewTextPart("!/set(project=demo)"),
			NewTextPart("also !/set(temperature=1.5) here"),
		}),
	}}
	res := p.Process(context.Background(), "s1", msgs, valueobject.NewSessionState())

	// Only the first matching part is processed; it becomes empty and is
	// dropped.
	parts := res.Messages[0].Content.Parts()
	if len(parts) != 1 {
		t.Fatalf("expected 1 remaining part, got %d", len(parts))
	}
	if parts[0].Text != "also !/set(temperature=1.5) here" {
		t.Errorf("second part modified: %q", parts[0].Text)
	}
	if res.FinalState.Project() != "demo" {
		t.Errorf("project = %q", res.FinalState.Project())
	}
	if _, set := res.FinalState.ReasoningConfig().Temperature(); set {
		t.Error("second part's command must not execute")
	}
}

func TestProcessMalformedArgsReportFailure(t *testing.T) {
	app := newFakeAppState()
	p := newTestProcessor(t, app)

	msgs := []ChatMessage{userMessage("!/set(=0.2)")}
	res := p.Process(context.Background(), "s1", msgs, valueobject.NewSessionState())

	if !res.CommandExecuted {
		t.Fatal("malformed known command still counts as addressed")
	}
	if len(res.Results) != 1 || res.Results[0].Success {
		t.Fatalf("results = %+v", res.Results)
	}
	if got := res.Messages[0].Content.Text(); got != "" {
		t.Errorf("span should be stripped, got %q", got)
	}
}

func TestSetCommandAggregatesOutcomes(t *testing.T) {
	app := newFakeAppState()
	registry := NewCommandRegistry()
	RegisterBuiltins(registry, true)
	cctx := &CommandContext{Ctx: context.Background(), State: valueobject.NewSessionState(), App: app}

	cmd, _ := registry.Lookup("set")
	res := cmd.Execute(cctx, []CommandArg{
		{Key: "backend", Value: "gemini", HasValue: true},
		{Key: "bogus", Value: "1", HasValue: true},
	})

	if res.Success {
		t.Error("one failed parameter must fail the aggregate")
	}
	if !strings.Contains(res.Message, "backend set to gemini") {
		t.Errorf("message = %q", res.Message)
	}
	if !strings.Contains(res.Message, `unknown parameter "bogus"`) {
		t.Errorf("message = %q", res.Message)
	}
	if cctx.State.BackendConfig().BackendType() != "gemini" {
		t.Error("successful parameter must still apply")
	}
}

func TestBackendHandlerClearsDeadOverride(t *testing.T) {
	app := newFakeAppState()
	// anthropic is registered but not functional.
	state := valueobject.NewSessionState()
	state = state.WithBackendConfig(state.BackendConfig().WithBackendType("openai"))
	cctx := &CommandContext{Ctx: context.Background(), State: state, App: app}

	outcome := newBackendHandler().Handle(cctx, "anthropic")
	if outcome.Success {
		t.Fatal("non-functional backend must fail")
	}
	if outcome.NewState == nil || outcome.NewState.BackendConfig().BackendType() != "" {
		t.Error("override should be cleared")
	}
}

func TestModelHandlerQualifiedValidation(t *testing.T) {
	app := newFakeAppState()
	state := valueobject.NewSessionState()
	cctx := &CommandContext{Ctx: context.Background(), State: state, App: app}
	h := newModelHandler()

	// Known model on a functional backend.
	outcome := h.Handle(cctx, "gemini:gemini-2.5-flash")
	if !outcome.Success {
		t.Fatalf("expected success, got %q", outcome.Message)
	}
	bc := outcome.NewState.BackendConfig()
	if bc.BackendType() != "gemini" || bc.Model() != "gemini-2.5-flash" {
		t.Errorf("backend/model = %q/%q", bc.BackendType(), bc.Model())
	}

	// Unknown model fails in interactive mode.
	outcome = h.Handle(cctx, "gemini:no-such-model")
	if outcome.Success {
		t.Error("unknown model must fail in interactive mode")
	}

	// Listing failure degrades to unverified acceptance.
	app.modelsErr = errors.New("upstream down")
	outcome = h.Handle(cctx, "gemini:mystery-model")
	if !outcome.Success || !strings.Contains(outcome.Message, "unverified") {
		t.Errorf("outcome = %+v", outcome)
	}

	// Non-interactive skips the listing entirely.
	app.modelsErr = nil
	cctx.State = state.WithInteractiveMode(false)
	outcome = h.Handle(cctx, "gemini:no-such-model")
	if !outcome.Success {
		t.Error("non-interactive mode accepts unverified models")
	}
}

func TestThinkingBudgetLockedByStartup(t *testing.T) {
	app := newFakeAppState()
	app.budgetLocked = true
	cctx := &CommandContext{Ctx: context.Background(), State: valueobject.NewSessionState(), App: app}

	outcome := newThinkingBudgetHandler().Handle(cctx, "2048")
	if outcome.Success {
		t.Error("startup lock must block per-session changes")
	}
	if _, set := cctx.State.ReasoningConfig().ThinkingBudget(); set {
		t.Error("state must stay unchanged")
	}

	// The lock covers reasoning effort too: both steer the same upstream
	// reasoning setting.
	outcome = newReasoningEffortHandler().Handle(cctx, "high")
	if outcome.Success {
		t.Error("startup lock must block reasoning-effort changes")
	}
	if outcome = newReasoningEffortHandler().Unset(cctx); outcome.Success {
		t.Error("startup lock must block reasoning-effort unset")
	}

	app.budgetLocked = false
	outcome = newReasoningEffortHandler().Handle(cctx, "high")
	if !outcome.Success {
		t.Fatalf("expected success, got %q", outcome.Message)
	}
	outcome = newThinkingBudgetHandler().Handle(cctx, "2048")
	if !outcome.Success {
		t.Fatalf("expected success, got %q", outcome.Message)
	}
	if budget, set := outcome.NewState.ReasoningConfig().ThinkingBudget(); !set || budget != 2048 {
		t.Errorf("budget = %d set=%v", budget, set)
	}
}

func TestOneoffCommand(t *testing.T) {
	app := newFakeAppState()
	cctx := &CommandContext{Ctx: context.Background(), State: valueobject.NewSessionState(), App: app}

	res := newOneoffCommand().Execute(cctx, []CommandArg{{Key: "gemini/gemini-2.5-flash"}})
	if !res.Success {
		t.Fatalf("oneoff failed: %s", res.Message)
	}
	oneoff := cctx.State.BackendConfig().Oneoff()
	if oneoff.Backend() != "gemini" || oneoff.Model() != "gemini-2.5-flash" {
		t.Errorf("oneoff = %q/%q", oneoff.Backend(), oneoff.Model())
	}

	res = newOneoffCommand().Execute(cctx, []CommandArg{{Key: "anthropic/claude"}})
	if res.Success {
		t.Error("non-functional backend must fail")
	}
}

func TestFailoverRouteCommands(t *testing.T) {
	app := newFakeAppState()
	cctx := &CommandContext{Ctx: context.Background(), State: valueobject.NewSessionState(), App: app}

	if res := newCreateFailoverRouteCommand().Execute(cctx, []CommandArg{{Key: "main"}, {Key: "km"}}); !res.Success {
		t.Fatalf("create failed: %s", res.Message)
	}
	if res := newRouteAppendCommand().Execute(cctx, []CommandArg{{Key: "main"}, {Key: "openai:gpt-4o"}}); !res.Success {
		t.Fatalf("append failed: %s", res.Message)
	}
	if res := newRoutePrependCommand().Execute(cctx, []CommandArg{{Key: "main"}, {Key: "gemini:gemini-2.5-flash"}}); !res.Success {
		t.Fatalf("prepend failed: %s", res.Message)
	}

	route, ok := cctx.State.BackendConfig().FailoverRoute("main")
	if !ok {
		t.Fatal("route missing")
	}
	elements := route.Elements()
	if len(elements) != 2 || elements[0] != "gemini:gemini-2.5-flash" || elements[1] != "openai:gpt-4o" {
		t.Fatalf("elements = %v", elements)
	}

	if res := newRouteAppendCommand().Execute(cctx, []CommandArg{{Key: "main"}, {Key: "not-an-element"}}); res.Success {
		t.Error("malformed element must fail")
	}
	if res := newCreateFailoverRouteCommand().Execute(cctx, []CommandArg{{Key: "x"}, {Key: "zz"}}); res.Success {
		t.Error("unknown policy must fail")
	}

	list := newListFailoverRoutesCommand().Execute(cctx, nil)
	if !list.Success || !strings.Contains(list.Message, "main (policy km, 2 elements)") {
		t.Errorf("list = %+v", list)
	}

	if res := newRouteClearCommand().Execute(cctx, []CommandArg{{Key: "main"}}); !res.Success {
		t.Fatalf("clear failed: %s", res.Message)
	}
	route, _ = cctx.State.BackendConfig().FailoverRoute("main")
	if route.Len() != 0 {
		t.Errorf("cleared route has %d elements", route.Len())
	}

	if res := newDeleteFailoverRouteCommand().Execute(cctx, []CommandArg{{Key: "main"}}); !res.Success {
		t.Fatalf("delete failed: %s", res.Message)
	}
	if _, ok := cctx.State.BackendConfig().FailoverRoute("main"); ok {
		t.Error("route should be gone")
	}
}

func TestHelloAndSyntheticReply(t *testing.T) {
	app := newFakeAppState()
	cctx := &CommandContext{Ctx: context.Background(), State: valueobject.NewSessionState(), App: app}

	res := newHelloCommand().Execute(cctx, nil)
	if !res.Success || !cctx.State.HelloRequested() {
		t.Fatal("hello must request the banner")
	}

	reply := BuildSyntheticReply(app, cctx.State, []CommandResult{res})
	if !strings.Contains(reply, "Hello") {
		t.Errorf("greeting missing: %q", reply)
	}
	if !strings.Contains(reply, "promptwire v1.0.0-test") {
		t.Errorf("banner missing: %q", reply)
	}
	if !strings.Contains(reply, "openai, gemini") {
		t.Errorf("functional backends missing: %q", reply)
	}

	wrapped := WrapForCline(reply)
	if !strings.HasPrefix(wrapped, "<attempt_completion>\n<result>\n") ||
		!strings.HasSuffix(wrapped, "\n</result>\n</attempt_completion>") {
		t.Errorf("cline wrap = %q", wrapped)
	}
}

func TestHelpCommand(t *testing.T) {
	app := newFakeAppState()
	registry := NewCommandRegistry()
	RegisterBuiltins(registry, true)
	cctx := &CommandContext{Ctx: context.Background(), State: valueobject.NewSessionState(), App: app}

	help, _ := registry.Lookup("help")
	res := help.Execute(cctx, nil)
	if !res.Success {
		t.Fatalf("help failed: %s", res.Message)
	}
	for _, want := range []string{"!/set", "!/oneoff", "temperature", "thinking-budget"} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("overview missing %q", want)
		}
	}

	res = help.Execute(cctx, []CommandArg{{Key: "set"}})
	if !res.Success || !strings.Contains(res.Message, "set(key=value, ...)") {
		t.Errorf("detail = %+v", res)
	}

	res = help.Execute(cctx, []CommandArg{{Key: "nope"}})
	if res.Success {
		t.Error("unknown topic must fail")
	}
}

func TestRegistryAliasNormalization(t *testing.T) {
	registry := NewCommandRegistry()
	RegisterBuiltins(registry, true)

	if _, ok := registry.Lookup("Route_Append"); !ok {
		t.Error("underscore and case variants should resolve")
	}
	if _, ok := registry.HandlerFor(NormalizeCommandName("tool_loop_max_repeats")); !ok {
		t.Error("handler alias normalization failed")
	}
	if _, ok := registry.HandlerFor(NormalizeCommandName("backend_type")); !ok {
		t.Error("backend-type alias failed")
	}
}

func TestInteractiveCommandsCanBeExcluded(t *testing.T) {
	registry := NewCommandRegistry()
	RegisterBuiltins(registry, false)

	if _, ok := registry.Lookup("hello"); ok {
		t.Error("hello should be absent")
	}
	if _, ok := registry.Lookup("help"); ok {
		t.Error("help should be absent")
	}
	if _, ok := registry.Lookup("set"); !ok {
		t.Error("set must remain")
	}
}

func TestSessionResolver(t *testing.T) {
	r := NewSessionResolver("promptwire")

	if id, generated := r.Resolve("body-id", "header-id", "cookie-id"); id != "body-id" || generated {
		t.Errorf("body wins: %q %v", id, generated)
	}
	if id, generated := r.Resolve("", "header-id", "cookie-id"); id != "header-id" || generated {
		t.Errorf("header next: %q %v", id, generated)
	}
	if id, generated := r.Resolve("", "", "cookie-id"); id != "cookie-id" || generated {
		t.Errorf("cookie next: %q %v", id, generated)
	}
	id, generated := r.Resolve("", "  ", "")
	if !generated || !strings.HasPrefix(id, "promptwire-") {
		t.Errorf("generated = %q %v", id, generated)
	}
	id2, _ := r.Resolve("", "", "")
	if id == id2 {
		t.Error("generated keys must be unique")
	}
}

func TestDetectAgent(t *testing.T) {
	cline := []ChatMessage{
		{Role: RoleSystem, Content: NewTextContent("You are Cline, a highly skilled software engineer.")},
		userMessage("hi"),
	}
	if got := DetectAgent(cline); got != AgentCline {
		t.Errorf("agent = %q", got)
	}
	plain := []ChatMessage{userMessage("hi")}
	if got := DetectAgent(plain); got != "" {
		t.Errorf("agent = %q", got)
	}
}
