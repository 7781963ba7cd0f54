package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/service"
	"github.com/promptwire/promptwire/internal/infrastructure/backend"
	"github.com/promptwire/promptwire/internal/infrastructure/capture"
	"github.com/promptwire/promptwire/internal/infrastructure/failover"
	"github.com/promptwire/promptwire/internal/infrastructure/persistence"
	"github.com/promptwire/promptwire/internal/infrastructure/ratelimit"
)

type fakeAppState struct {
	prefix         string
	defaultBackend string
	functional     []string
}

func (f *fakeAppState) AppName() string                       { return "promptwire" }
func (f *fakeAppState) AppVersion() string                    { return "1.0.0-test" }
func (f *fakeAppState) CommandPrefix() string                 { return f.prefix }
func (f *fakeAppState) SetCommandPrefix(p string) error       { f.prefix = p; return nil }
func (f *fakeAppState) DefaultBackend() string                { return f.defaultBackend }
func (f *fakeAppState) SetDefaultBackend(b string) error      { f.defaultBackend = b; return nil }
func (f *fakeAppState) RedactionEnabled() bool                { return true }
func (f *fakeAppState) SetRedactionEnabled(bool)              {}
func (f *fakeAppState) FunctionalBackends() []string          { return f.functional }
func (f *fakeAppState) BackendRegistered(name string) bool {
	for _, b := range f.functional {
		if b == name {
			return true
		}
	}
	return false
}
func (f *fakeAppState) BackendModels(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeAppState) ThinkingBudgetLocked() bool                              { return false }

// fakeBackend replays scripted replies and records the requests it saw.
type fakeBackend struct {
	name     string
	replies  []string
	failures int
	seen     []backend.Request
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Complete(_ context.Context, req backend.Request) (*backend.Response, error) {
	b.seen = append(b.seen, req)
	if b.failures > 0 {
		b.failures--
		return nil, &service.UpstreamStatusError{Backend: b.name, Model: req.Model, Status: 503}
	}
	reply := "hi there"
	if len(b.replies) > 0 {
		reply = b.replies[0]
		b.replies = b.replies[1:]
	}
	body, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  req.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": reply},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"total_tokens": 7},
	})
	return &backend.Response{StatusCode: 200, Body: body}, nil
}

func (b *fakeBackend) OpenStream(_ context.Context, req backend.Request) (*backend.Stream, error) {
	b.seen = append(b.seen, req)
	ch := make(chan service.StreamingContent, 4)
	ch <- service.BuildTextChunk("chatcmpl-1", req.Model, "hel")
	ch <- service.BuildTextChunk("chatcmpl-1", req.Model, "lo")
	ch <- service.BuildFinishChunk("chatcmpl-1", req.Model, "stop", nil)
	close(ch)
	return &backend.Stream{Chunks: ch, Err: func() error { return nil }}, nil
}

func (b *fakeBackend) Models(context.Context, string) ([]string, error) {
	return []string{"test-model"}, nil
}

type pipeline struct {
	uc       *ProcessChat
	backend  *fakeBackend
	registry *backend.Registry
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := zap.NewNop()
	app := &fakeAppState{prefix: "!/", defaultBackend: "test", functional: []string{"test"}}

	fb := &fakeBackend{name: "test"}
	registry := backend.NewRegistry()
	registry.Register(fb, []backend.Key{{Name: "TEST_API_KEY", Value: "sk-test-0123456789"}})

	cmdRegistry := service.NewCommandRegistry()
	service.RegisterBuiltins(cmdRegistry, true)
	processor := service.NewCommandProcessor(cmdRegistry, app, service.CommandProcessorConfig{}, logger)

	limiter := ratelimit.NewMemoryLimiter(0, time.Minute)
	coord := failover.NewCoordinator(limiter, nil, logger)

	redactor := service.NewRedactor(registry.AllSecrets(), app.CommandPrefix())
	precision := service.NewEditPrecisionTracker(service.DefaultEditPrecisionConfig(), logger)
	chain := service.NewResponseChain(logger,
		service.NewRedactionMiddleware(redactor),
		service.NewEmptyResponseMiddleware(service.DefaultEmptyResponseConfig()),
	)

	repo := persistence.NewMemorySessionRepository(0, logger)
	t.Cleanup(repo.Close)
	recorder := capture.NewRecorder(capture.Config{}, logger)

	uc := NewProcessChat(app, repo, service.NewSessionResolver("proxy"), processor,
		registry, coord, chain, redactor, precision, recorder, nil,
		Config{EmptyRetry: true}, logger)
	return &pipeline{uc: uc, backend: fb, registry: registry}
}

func userRequest(text string) service.ChatRequest {
	return service.ChatRequest{
		Model:     "test-model",
		SessionID: "s1",
		Messages: []service.ChatMessage{
			{Role: service.RoleUser, Content: service.NewTextContent(text)},
		},
	}
}

func bodyText(t *testing.T, res *Result) string {
	t.Helper()
	text, ok := service.ExtractBodyText(res.Envelope.Body)
	if !ok {
		t.Fatalf("no body text in %v", res.Envelope.Body)
	}
	return text
}

func TestExecuteRejectsEmptyMessages(t *testing.T) {
	p := newPipeline(t)
	_, err := p.uc.Execute(context.Background(), RequestMeta{}, service.ChatRequest{Model: "m"})
	var verr *service.ValidationError
	if !errors.As(err, &verr) || verr.Code != "empty_messages" {
		t.Fatalf("err = %v, want empty_messages validation error", err)
	}
}

func TestExecuteCommandOnlySynthetic(t *testing.T) {
	p := newPipeline(t)
	res, err := p.uc.Execute(context.Background(), RequestMeta{}, userRequest("!/hello"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Envelope == nil {
		t.Fatal("expected a non-streaming envelope")
	}
	if id, _ := res.Envelope.Body["id"].(string); id != SyntheticResponseID {
		t.Errorf("id = %q, want %q", id, SyntheticResponseID)
	}
	if text := bodyText(t, res); !strings.Contains(text, "Hello") || !strings.Contains(text, "promptwire") {
		t.Errorf("greeting banner missing from synthetic reply: %q", text)
	}
	if len(p.backend.seen) != 0 {
		t.Error("command-only request must not reach a backend")
	}
}

func TestExecuteCommandThenPromptForwards(t *testing.T) {
	p := newPipeline(t)
	res, err := p.uc.Execute(context.Background(), RequestMeta{},
		userRequest("!/set(temperature=0.3) please summarize"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Envelope == nil {
		t.Fatal("expected a forwarded envelope")
	}
	if len(p.backend.seen) != 1 {
		t.Fatalf("backend calls = %d, want 1", len(p.backend.seen))
	}
	sent := p.backend.seen[0]
	if sent.Chat.Temperature == nil || *sent.Chat.Temperature != 0.3 {
		t.Errorf("temperature not injected: %+v", sent.Chat.Temperature)
	}
	text := sent.Chat.Messages[0].Content.Text()
	if strings.Contains(text, "!/set") {
		t.Errorf("command span not stripped: %q", text)
	}
}

func TestExecuteExplicitTemperatureWins(t *testing.T) {
	p := newPipeline(t)
	// First request pins a session temperature.
	if _, err := p.uc.Execute(context.Background(), RequestMeta{},
		userRequest("!/set(temperature=0.9) warm up")); err != nil {
		t.Fatalf("setup: %v", err)
	}

	req := userRequest("second question")
	explicit := 0.1
	req.Temperature = &explicit
	if _, err := p.uc.Execute(context.Background(), RequestMeta{}, req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sent := p.backend.seen[len(p.backend.seen)-1]
	if sent.Chat.Temperature == nil || *sent.Chat.Temperature != 0.1 {
		t.Errorf("request temperature should win, got %+v", sent.Chat.Temperature)
	}
}

func TestExecuteFailoverRetriesNextKey(t *testing.T) {
	p := newPipeline(t)
	p.registry.SetKeys("test", []backend.Key{
		{Name: "TEST_API_KEY", Value: "sk-test-0123456789"},
		{Name: "TEST_API_KEY_1", Value: "sk-test-9876543210"},
	})
	p.backend.failures = 1

	// A km route over one element fans out across both keys.
	setup := "!/create-failover-route(test-model, km) !/route-append(test-model, test:test-model)"
	if _, err := p.uc.Execute(context.Background(), RequestMeta{}, userRequest(setup)); err != nil {
		t.Fatalf("route setup: %v", err)
	}
	p.backend.seen = nil

	res, err := p.uc.Execute(context.Background(), RequestMeta{}, userRequest("hi"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := bodyText(t, res); got != "hi there" {
		t.Errorf("body = %q", got)
	}
	if len(p.backend.seen) != 2 {
		t.Fatalf("backend calls = %d, want 2 (failover to second key)", len(p.backend.seen))
	}
	if p.backend.seen[0].APIKey == p.backend.seen[1].APIKey {
		t.Error("both attempts used the same key")
	}
}

func TestExecuteRedactsSecrets(t *testing.T) {
	p := newPipeline(t)
	res, err := p.uc.Execute(context.Background(), RequestMeta{},
		userRequest("my key is sk-test-0123456789 ok?"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_ = res
	sent := p.backend.seen[0].Chat.Messages[0].Content.Text()
	if strings.Contains(sent, "sk-test-0123456789") {
		t.Errorf("secret leaked upstream: %q", sent)
	}
	if !strings.Contains(sent, service.RedactedPlaceholder) {
		t.Errorf("placeholder missing: %q", sent)
	}
}

func TestExecuteEmptyReplyRetriesOnce(t *testing.T) {
	p := newPipeline(t)
	p.backend.replies = []string{"", "recovered"}

	res, err := p.uc.Execute(context.Background(), RequestMeta{}, userRequest("hi"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := bodyText(t, res); got != "recovered" {
		t.Errorf("body = %q, want %q", got, "recovered")
	}
	if len(p.backend.seen) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(p.backend.seen))
	}
	retry := p.backend.seen[1].Chat.Messages
	last := retry[len(retry)-1]
	if last.Role != service.RoleUser || !strings.Contains(last.Content.Text(), "previous reply was empty") {
		t.Errorf("recovery prompt missing: %+v", last)
	}
}

func TestExecuteSecondEmptyReplyPassesThrough(t *testing.T) {
	p := newPipeline(t)
	p.backend.replies = []string{"", ""}

	res, err := p.uc.Execute(context.Background(), RequestMeta{}, userRequest("hi"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := bodyText(t, res); got != "" {
		t.Errorf("body = %q, want empty passthrough", got)
	}
	if len(p.backend.seen) != 2 {
		t.Fatalf("backend calls = %d, want exactly 2 (no retry loop)", len(p.backend.seen))
	}
}

func TestExecuteStreaming(t *testing.T) {
	p := newPipeline(t)
	req := userRequest("hi")
	req.Stream = true

	res, err := p.uc.Execute(context.Background(), RequestMeta{}, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("expected a streaming envelope")
	}
	var collected strings.Builder
	for item := range res.Stream.Chunks {
		collected.WriteString(item.Content)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if collected.String() != "hello" {
		t.Errorf("streamed text = %q, want %q", collected.String(), "hello")
	}
}

func TestExecuteOneoffConsumed(t *testing.T) {
	p := newPipeline(t)
	if _, err := p.uc.Execute(context.Background(), RequestMeta{},
		userRequest("!/oneoff(test/special-model) go")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(p.backend.seen) != 1 {
		t.Fatalf("backend calls = %d, want 1", len(p.backend.seen))
	}
	if got := p.backend.seen[0].Model; got != "special-model" {
		t.Errorf("model = %q, want special-model", got)
	}

	// The next request falls back to the request model.
	if _, err := p.uc.Execute(context.Background(), RequestMeta{}, userRequest("again")); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if got := p.backend.seen[1].Model; got != "test-model" {
		t.Errorf("oneoff not consumed, model = %q", got)
	}
}

func TestExecuteQualifiedModel(t *testing.T) {
	p := newPipeline(t)
	req := userRequest("hi")
	req.Model = "test:alias-model"
	if _, err := p.uc.Execute(context.Background(), RequestMeta{}, req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := p.backend.seen[0].Model; got != "alias-model" {
		t.Errorf("model = %q, want alias-model", got)
	}
}

func TestExecuteUnknownPrefixTreatedAsModelID(t *testing.T) {
	p := newPipeline(t)
	req := userRequest("hi")
	req.Model = "vendor/some-model"
	if _, err := p.uc.Execute(context.Background(), RequestMeta{}, req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := p.backend.seen[0].Model; got != "vendor/some-model" {
		t.Errorf("model = %q, want the full aggregator id", got)
	}
}

func TestExecuteNoKeysSurfacesBackendError(t *testing.T) {
	p := newPipeline(t)
	req := userRequest("hi")
	req.Model = "unknown-backend-model"
	p.uc.app.(*fakeAppState).defaultBackend = "missing"

	_, err := p.uc.Execute(context.Background(), RequestMeta{}, req)
	var berr *service.BackendError
	if !errors.As(err, &berr) {
		t.Fatalf("err = %v, want BackendError", err)
	}
	if !strings.Contains(berr.Error(), "no viable failover attempts") {
		t.Errorf("unexpected message: %v", berr)
	}
}

func TestExecuteClineWrapping(t *testing.T) {
	p := newPipeline(t)
	req := service.ChatRequest{
		Model:     "test-model",
		SessionID: "cline-1",
		Messages: []service.ChatMessage{
			{Role: service.RoleSystem, Content: service.NewTextContent("You are Cline, a coding agent.")},
			{Role: service.RoleUser, Content: service.NewTextContent("!/hello")},
		},
	}
	res, err := p.uc.Execute(context.Background(), RequestMeta{}, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	text := bodyText(t, res)
	if !strings.HasPrefix(text, "<attempt_completion>") || !strings.Contains(text, "</attempt_completion>") {
		t.Errorf("synthetic reply not wrapped for cline: %q", text)
	}
}

func TestExecuteSessionIsolation(t *testing.T) {
	p := newPipeline(t)
	a := userRequest("!/set(temperature=0.2) one")
	a.SessionID = "a"
	if _, err := p.uc.Execute(context.Background(), RequestMeta{}, a); err != nil {
		t.Fatalf("Execute a: %v", err)
	}

	b := userRequest("two")
	b.SessionID = "b"
	if _, err := p.uc.Execute(context.Background(), RequestMeta{}, b); err != nil {
		t.Fatalf("Execute b: %v", err)
	}
	sent := p.backend.seen[len(p.backend.seen)-1]
	if sent.Chat.Temperature != nil {
		t.Errorf("session b inherited session a's temperature: %v", *sent.Chat.Temperature)
	}
}

func TestExecuteRateLimitedSurfaces429(t *testing.T) {
	logger := zap.NewNop()
	app := &fakeAppState{prefix: "!/", defaultBackend: "test", functional: []string{"test"}}
	fb := &fakeBackend{name: "test"}
	registry := backend.NewRegistry()
	registry.Register(fb, []backend.Key{{Name: "TEST_API_KEY", Value: "sk-test-0123456789"}})

	cmdRegistry := service.NewCommandRegistry()
	service.RegisterBuiltins(cmdRegistry, true)
	processor := service.NewCommandProcessor(cmdRegistry, app, service.CommandProcessorConfig{}, logger)

	limiter := ratelimit.NewMemoryLimiter(1, time.Minute)
	coord := failover.NewCoordinator(limiter, nil, logger)
	repo := persistence.NewMemorySessionRepository(0, logger)
	t.Cleanup(repo.Close)

	uc := NewProcessChat(app, repo, service.NewSessionResolver("proxy"), processor,
		registry, coord, service.NewResponseChain(logger),
		service.NewRedactor(nil, "!/"),
		service.NewEditPrecisionTracker(service.DefaultEditPrecisionConfig(), logger),
		capture.NewRecorder(capture.Config{}, logger), nil, Config{}, logger)

	if _, err := uc.Execute(context.Background(), RequestMeta{}, userRequest("one")); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	_, err := uc.Execute(context.Background(), RequestMeta{}, userRequest("two"))
	var rerr *service.RateLimitedError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
}

func TestExecuteCapturesWire(t *testing.T) {
	p := newPipeline(t)

	var records []capture.Record
	rec := capture.NewRecorder(capture.Config{}, zap.NewNop())
	rec.SetTap(func(r capture.Record) { records = append(records, r) })
	p.uc.recorder = rec

	if _, err := p.uc.Execute(context.Background(), RequestMeta{ClientIP: "10.0.0.1"}, userRequest("hi")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var dirs []string
	for _, r := range records {
		dirs = append(dirs, string(r.Direction))
		if strings.Contains(string(r.Payload), "sk-test-0123456789") {
			t.Error("capture payload leaked an API key value")
		}
		if r.KeyName != "" && r.KeyName != "TEST_API_KEY" {
			t.Errorf("unexpected key name %q", r.KeyName)
		}
	}
	want := fmt.Sprintf("%v", []string{"REQUEST", "REPLY"})
	if got := fmt.Sprintf("%v", dirs); got != want {
		t.Errorf("capture directions = %v, want %v", got, want)
	}
}
