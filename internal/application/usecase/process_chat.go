// Copyright 2026 Promptwire Authors. All rights reserved.

// Package usecase wires the request pipeline: session resolution, command
// processing, parameter injection, failover dispatch and the response
// middleware chain.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/entity"
	"github.com/promptwire/promptwire/internal/domain/repository"
	"github.com/promptwire/promptwire/internal/domain/service"
	"github.com/promptwire/promptwire/internal/domain/valueobject"
	"github.com/promptwire/promptwire/internal/infrastructure/backend"
	"github.com/promptwire/promptwire/internal/infrastructure/capture"
	"github.com/promptwire/promptwire/internal/infrastructure/failover"
	"github.com/promptwire/promptwire/internal/infrastructure/monitoring"
)

// SyntheticResponseID marks replies produced by the proxy itself instead of
// an upstream model.
const SyntheticResponseID = "proxy_cmd_processed"

const promptPreviewLimit = 500

// RequestMeta carries the transport-level facts the pipeline needs beyond
// the request body.
type RequestMeta struct {
	ClientIP        string
	HeaderSessionID string
	CookieSessionID string
}

// Result is the pipeline outcome: exactly one of Envelope or Stream is set.
// For streams, Err blocks until the stream finished and reports the
// terminal error, if any.
type Result struct {
	SessionID string
	Backend   string
	Model     string

	Envelope *service.ResponseEnvelope
	Stream   *service.StreamingEnvelope
	Err      func() error
}

// Config tunes the orchestrator.
type Config struct {
	// ThinkingBudget, when positive, overrides every session's reasoning
	// budget process-wide.
	ThinkingBudget int
	// EmptyRetry gates the single recovery retry for empty replies.
	EmptyRetry bool
}

// ProcessChat is the chat-completion orchestrator behind every inbound
// surface.
type ProcessChat struct {
	app       service.ApplicationState
	repo      repository.SessionRepository
	resolver  *service.SessionResolver
	processor *service.CommandProcessor
	registry  *backend.Registry
	coord     *failover.Coordinator
	chain     *service.ResponseChain
	redactor  *service.Redactor
	precision *service.EditPrecisionTracker
	recorder  *capture.Recorder
	metrics   *monitoring.Metrics
	cfg       Config
	logger    *zap.Logger
}

func NewProcessChat(
	app service.ApplicationState,
	repo repository.SessionRepository,
	resolver *service.SessionResolver,
	processor *service.CommandProcessor,
	registry *backend.Registry,
	coord *failover.Coordinator,
	chain *service.ResponseChain,
	redactor *service.Redactor,
	precision *service.EditPrecisionTracker,
	recorder *capture.Recorder,
	metrics *monitoring.Metrics,
	cfg Config,
	logger *zap.Logger,
) *ProcessChat {
	return &ProcessChat{
		app:       app,
		repo:      repo,
		resolver:  resolver,
		processor: processor,
		registry:  registry,
		coord:     coord,
		chain:     chain,
		redactor:  redactor,
		precision: precision,
		recorder:  recorder,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "process_chat")),
	}
}

// Execute runs one chat-completion request through the full pipeline.
func (uc *ProcessChat) Execute(ctx context.Context, meta RequestMeta, req service.ChatRequest) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, &service.ValidationError{Param: "messages", Code: "empty_messages", Message: "messages must not be empty"}
	}

	sessionID, generated := uc.resolver.Resolve(req.SessionID, meta.HeaderSessionID, meta.CookieSessionID)
	sess, err := uc.repo.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	if generated {
		uc.logger.Debug("session key generated", zap.String("session_id", sessionID))
	}

	if agent := service.DetectAgent(req.Messages); agent != "" && sess.Agent() == "" {
		sess.SetAgent(agent)
	}
	state := sess.State()
	if sess.Agent() == service.AgentCline && !state.IsClineAgent() {
		state = state.WithClineAgent(true)
	}

	processed := uc.processor.Process(ctx, sessionID, req.Messages, state)
	for _, r := range processed.Results {
		uc.metrics.ObserveCommand(r.Name, r.Success)
	}

	if uc.isCommandOnly(processed) {
		return uc.syntheticReply(ctx, meta, sess, req, processed)
	}
	return uc.forward(ctx, meta, sess, req, processed)
}

// isCommandOnly reports whether stripping the commands left nothing for a
// backend: a command executed, nothing asked to keep the request flowing,
// and no user text remains.
func (uc *ProcessChat) isCommandOnly(processed service.ProcessedResult) bool {
	if !processed.CommandExecuted {
		return false
	}
	for _, r := range processed.Results {
		if len(r.Data) > 0 {
			return false
		}
	}
	for _, m := range processed.Messages {
		if m.Role == service.RoleUser && !m.Content.IsEmpty() {
			return false
		}
	}
	return true
}

// syntheticReply answers a command-only request without touching any
// backend.
func (uc *ProcessChat) syntheticReply(ctx context.Context, meta RequestMeta, sess *entity.Session, req service.ChatRequest, processed service.ProcessedResult) (*Result, error) {
	reply := service.BuildSyntheticReply(uc.app, processed.FinalState, processed.Results)
	if processed.FinalState.IsClineAgent() || sess.Agent() == service.AgentCline {
		reply = service.WrapForCline(reply)
	}

	sess.SwapState(processed.FinalState.WithOneShotFlagsCleared())
	sess.AppendInteraction(entity.NewProxyInteraction(promptPreview(req.Messages), preview(reply)))
	if err := uc.repo.Save(ctx, sess); err != nil {
		uc.logger.Warn("session save failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}

	uc.recorder.Record(capture.Record{
		Direction: capture.DirReply,
		Client:    meta.ClientIP,
		Agent:     sess.Agent(),
		Session:   sess.ID(),
		Backend:   "proxy",
		Model:     req.Model,
		Payload:   []byte(reply),
	})

	body := map[string]any{
		"id":      SyntheticResponseID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    service.RoleAssistant,
					"content": reply,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	}
	return &Result{
		SessionID: sess.ID(),
		Backend:   "proxy",
		Model:     req.Model,
		Envelope: &service.ResponseEnvelope{
			Status:  200,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    body,
		},
	}, nil
}

// forward sends the processed request upstream through the failover plan.
func (uc *ProcessChat) forward(ctx context.Context, meta RequestMeta, sess *entity.Session, req service.ChatRequest, processed service.ProcessedResult) (*Result, error) {
	state := processed.FinalState
	if processed.StateChanged {
		sess.SwapState(state)
		if err := uc.repo.Save(ctx, sess); err != nil {
			uc.logger.Warn("session save failed", zap.String("session_id", sess.ID()), zap.Error(err))
		}
	}

	outbound := req.Clone()
	outbound.Messages = processed.Messages
	if allEmpty(outbound.Messages) {
		return nil, &service.ValidationError{Param: "messages", Code: "empty_messages", Message: "no message content remains after command processing"}
	}

	// Session defaults only fill parameters the request left unset; the
	// edit-precision clamp afterwards deliberately overrides.
	if outbound.Temperature == nil {
		if t, ok := state.ReasoningConfig().Temperature(); ok {
			outbound.Temperature = &t
		}
	}
	uc.precision.TuneRequest(sess.ID(), &outbound)

	target, bare := uc.resolveTarget(state, outbound.Model)
	outbound.Model = bare
	uc.redactor.RedactRequest(&outbound)

	attempts := failover.BuildPlan(target, uc.registry)
	start := time.Now()

	if req.Stream {
		return uc.forwardStreaming(ctx, meta, sess, state, outbound, attempts, start)
	}
	return uc.forwardBuffered(ctx, meta, sess, state, outbound, attempts, start)
}

// resolveTarget picks where the request goes: oneoff route, request
// backend-qualified model, session backend override, then the route table
// and default backend. It returns the target plus the bare model name.
func (uc *ProcessChat) resolveTarget(state valueobject.SessionState, model string) (failover.Target, string) {
	bc := state.BackendConfig()

	if oneoff := bc.Oneoff(); !oneoff.IsZero() {
		return failover.Target{Backend: oneoff.Backend(), Model: oneoff.Model()}, oneoff.Model()
	}

	prefix, bare, qualified := service.SplitQualifiedModel(model)
	if qualified {
		if _, ok := uc.registry.Get(prefix); ok {
			return failover.Target{Backend: prefix, Model: bare}, bare
		}
		// Not a backend name; treat the whole string as a model id
		// (e.g. "vendor/model" ids on aggregators).
		bare = model
	}

	if bc.BackendType() != "" {
		m := bc.Model()
		if m == "" {
			m = bare
		}
		return failover.Target{Backend: bc.BackendType(), Model: m}, m
	}

	m := bare
	if bc.Model() != "" {
		m = bc.Model()
	}
	routes := make(map[string]valueobject.FailoverRoute)
	for _, name := range bc.FailoverRouteNames() {
		if route, ok := bc.FailoverRoute(name); ok {
			routes[name] = route
		}
	}
	return failover.Target{
		Model:          m,
		DefaultBackend: uc.app.DefaultBackend(),
		Routes:         routes,
	}, m
}

// attemptRequest assembles the adapter request for one attempt.
func (uc *ProcessChat) attemptRequest(state valueobject.SessionState, outbound service.ChatRequest, attempt failover.Attempt, stream bool) backend.Request {
	rc := state.ReasoningConfig()
	breq := backend.Request{
		Chat:                   outbound,
		Model:                  attempt.Model,
		APIKey:                 attempt.Key.Value,
		Stream:                 stream,
		BaseURLOverride:        state.BackendConfig().OpenAIURL(),
		ReasoningEffort:        rc.ReasoningEffort(),
		RawReasoning:           rc.RawReasoning(),
		GeminiGenerationConfig: rc.GeminiGenerationConfig(),
	}
	if uc.cfg.ThinkingBudget > 0 {
		breq.ThinkingBudget = uc.cfg.ThinkingBudget
	} else if budget, ok := rc.ThinkingBudget(); ok {
		breq.ThinkingBudget = budget
	}
	return breq
}

// captureRequest records the outbound payload of one attempt.
func (uc *ProcessChat) captureRequest(meta RequestMeta, sess *entity.Session, outbound service.ChatRequest, attempt failover.Attempt) {
	wire := outbound
	wire.Model = attempt.Model
	payload, err := json.Marshal(wire)
	if err != nil {
		return
	}
	uc.recorder.Record(capture.Record{
		Direction: capture.DirRequest,
		Client:    meta.ClientIP,
		Agent:     sess.Agent(),
		Session:   sess.ID(),
		Backend:   attempt.Backend,
		Model:     attempt.Model,
		KeyName:   attempt.Key.Name,
		Payload:   payload,
	})
}

// consumeOneoff clears a pending single-shot route after a successful
// dispatch.
func (uc *ProcessChat) consumeOneoff(ctx context.Context, sess *entity.Session) {
	current := sess.State()
	bc := current.BackendConfig()
	if bc.Oneoff().IsZero() {
		return
	}
	sess.SwapState(current.WithBackendConfig(bc.WithoutOneoff()))
	if err := uc.repo.Save(ctx, sess); err != nil {
		uc.logger.Warn("session save failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}
}

func (uc *ProcessChat) forwardBuffered(ctx context.Context, meta RequestMeta, sess *entity.Session, state valueobject.SessionState, outbound service.ChatRequest, attempts []failover.Attempt, start time.Time) (*Result, error) {
	body, winner, err := uc.dispatchBuffered(ctx, meta, sess, state, outbound, attempts)
	if err != nil {
		return nil, err
	}

	sctx := service.NewStreamContext(ctx, sess.ID(), state, winner.Model, false)
	body, err = uc.chain.ProcessBody(sctx, body)
	if retry, ok := service.AsEmptyResponseRetry(err); ok {
		if !uc.cfg.EmptyRetry {
			err = nil
		} else {
			if uc.metrics != nil {
				uc.metrics.EmptyRetries.Inc()
			}
			uc.logger.Info("empty reply, retrying once", zap.String("session_id", sess.ID()))

			retryReq := outbound.Clone()
			retryReq.Messages = append(retryReq.Messages, service.ChatMessage{
				Role:    service.RoleUser,
				Content: service.NewTextContent(retry.RecoveryPrompt),
			})
			body, winner, err = uc.dispatchBuffered(ctx, meta, sess, state, retryReq, attempts)
			if err != nil {
				return nil, err
			}
			retrySctx := service.NewStreamContext(ctx, sess.ID(), state, winner.Model, false)
			retrySctx.Values[service.CtxKeyEmptyRetryDisabled] = true
			body, err = uc.chain.ProcessBody(retrySctx, body)
			sctx = retrySctx
		}
	}
	if err != nil {
		if service.IsLoopDetection(err) && uc.metrics != nil {
			uc.metrics.LoopAborts.Inc()
		}
		return nil, err
	}

	uc.finishInteraction(ctx, sess, state, outbound, winner, sctx.Accumulated(), usageFromBody(body))
	uc.metrics.ObserveRequest("chat", "ok", winner.Backend, winner.Model, time.Since(start))

	return &Result{
		SessionID: sess.ID(),
		Backend:   winner.Backend,
		Model:     winner.Model,
		Envelope: &service.ResponseEnvelope{
			Status:  200,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    body,
		},
	}, nil
}

// dispatchBuffered runs the attempt plan for a non-streaming call and
// returns the decoded upstream body.
func (uc *ProcessChat) dispatchBuffered(ctx context.Context, meta RequestMeta, sess *entity.Session, state valueobject.SessionState, outbound service.ChatRequest, attempts []failover.Attempt) (map[string]any, failover.Attempt, error) {
	var resp *backend.Response
	winner, err := uc.coord.Do(ctx, attempts, func(ctx context.Context, attempt failover.Attempt) error {
		adapter, ok := uc.registry.Get(attempt.Backend)
		if !ok {
			return &service.BackendError{Backend: attempt.Backend, Model: attempt.Model, Message: "backend not registered"}
		}
		uc.captureRequest(meta, sess, outbound, attempt)
		r, aerr := adapter.Complete(ctx, uc.attemptRequest(state, outbound, attempt, false))
		if aerr != nil {
			uc.metrics.ObserveAttempt(attempt.Backend, "error")
			return aerr
		}
		uc.metrics.ObserveAttempt(attempt.Backend, "ok")
		resp = r
		return nil
	})
	if err != nil {
		return nil, failover.Attempt{}, err
	}
	uc.consumeOneoff(ctx, sess)

	uc.recorder.Record(capture.Record{
		Direction: capture.DirReply,
		Client:    meta.ClientIP,
		Agent:     sess.Agent(),
		Session:   sess.ID(),
		Backend:   winner.Backend,
		Model:     winner.Model,
		KeyName:   winner.Key.Name,
		Payload:   resp.Body,
	})

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, failover.Attempt{}, &service.BackendError{
			Backend: winner.Backend,
			Model:   winner.Model,
			Message: "unparseable upstream body",
			Cause:   err,
		}
	}
	return body, winner, nil
}

func (uc *ProcessChat) forwardStreaming(ctx context.Context, meta RequestMeta, sess *entity.Session, state valueobject.SessionState, outbound service.ChatRequest, attempts []failover.Attempt, start time.Time) (*Result, error) {
	var stream *backend.Stream
	winner, err := uc.coord.Do(ctx, attempts, func(ctx context.Context, attempt failover.Attempt) error {
		adapter, ok := uc.registry.Get(attempt.Backend)
		if !ok {
			return &service.BackendError{Backend: attempt.Backend, Model: attempt.Model, Message: "backend not registered"}
		}
		uc.captureRequest(meta, sess, outbound, attempt)
		st, aerr := adapter.OpenStream(ctx, uc.attemptRequest(state, outbound, attempt, true))
		if aerr != nil {
			uc.metrics.ObserveAttempt(attempt.Backend, "error")
			return aerr
		}
		uc.metrics.ObserveAttempt(attempt.Backend, "ok")
		stream = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	uc.consumeOneoff(ctx, sess)
	if uc.metrics != nil {
		uc.metrics.StreamingResponses.Inc()
	}

	tap := uc.recorder.StreamTap(capture.Record{
		Client:  meta.ClientIP,
		Agent:   sess.Agent(),
		Session: sess.ID(),
		Backend: winner.Backend,
		Model:   winner.Model,
		KeyName: winner.Key.Name,
	})

	sctx := service.NewStreamContext(ctx, sess.ID(), state, winner.Model, true)

	errCh := make(chan error, 1)
	chainOut := uc.chain.Wrap(sctx, stream.Chunks, func(res service.StreamResult) {
		chainErr := res.Err
		if chainErr == nil {
			chainErr = stream.Err()
		}
		if chainErr != nil && service.IsLoopDetection(chainErr) && uc.metrics != nil {
			uc.metrics.LoopAborts.Inc()
		}
		status := "ok"
		if chainErr != nil {
			status = "aborted"
		}
		uc.metrics.ObserveRequest("chat_stream", status, winner.Backend, winner.Model, time.Since(start))
		if chainErr == nil {
			uc.finishInteraction(context.Background(), sess, state, outbound, winner, sctx.Accumulated(), nil)
		}
		errCh <- chainErr
	})

	out := make(chan service.StreamingContent)
	go func() {
		defer close(out)
		defer tap.Close()
		for item := range chainOut {
			tap.Write(item.Raw)
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Result{
		SessionID: sess.ID(),
		Backend:   winner.Backend,
		Model:     winner.Model,
		Stream:    &service.StreamingEnvelope{MediaType: "text/event-stream", Chunks: out},
		Err: func() error {
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}, nil
}

// finishInteraction records the exchange on the session and persists it.
func (uc *ProcessChat) finishInteraction(ctx context.Context, sess *entity.Session, state valueobject.SessionState, outbound service.ChatRequest, winner failover.Attempt, responseText string, usage map[string]int) {
	it := entity.NewBackendInteraction(promptPreview(outbound.Messages), winner.Backend, winner.Model, state.Project())
	it.Response = preview(responseText)
	it.Usage = usage
	if outbound.Temperature != nil {
		it.Parameters = map[string]any{"temperature": *outbound.Temperature}
	}
	sess.AppendInteraction(it)
	if err := uc.repo.Save(ctx, sess); err != nil {
		uc.logger.Warn("session save failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}
}

// allEmpty reports whether no message carries content or tool calls.
func allEmpty(messages []service.ChatMessage) bool {
	for _, m := range messages {
		if !m.Content.IsEmpty() || len(m.ToolCalls) > 0 {
			return false
		}
	}
	return true
}

// promptPreview returns the trailing user text, bounded for history
// storage.
func promptPreview(messages []service.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == service.RoleUser {
			return preview(messages[i].Content.Text())
		}
	}
	return ""
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > promptPreviewLimit {
		return s[:promptPreviewLimit]
	}
	return s
}

func usageFromBody(body map[string]any) map[string]int {
	raw, ok := body["usage"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = int(f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
