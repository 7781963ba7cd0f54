package service

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// EditPrecisionConfig controls the tune-after-failed-edit behavior: when a
// reply contains an edit-failure marker, the session's next request is sent
// with lowered temperature so the model reproduces source text verbatim.
type EditPrecisionConfig struct {
	Enabled           bool
	Markers           []string
	TargetTemperature float64
	MinTopP           float64
	ApplyTopP         bool
	MaxPending        int
}

func DefaultEditPrecisionConfig() EditPrecisionConfig {
	return EditPrecisionConfig{
		Enabled:           true,
		Markers:           []string{"diff_error", "edit failed", "did not match", "patch failed", "search block not found"},
		TargetTemperature: 0.15,
		MinTopP:           0.3,
		ApplyTopP:         false,
		MaxPending:        3,
	}
}

// EditPrecisionTracker keeps the per-session pending counter. Detection
// arms it; request tuning consumes it.
type EditPrecisionTracker struct {
	mu      sync.Mutex
	cfg     EditPrecisionConfig
	pending map[string]int
	logger  *zap.Logger
}

func NewEditPrecisionTracker(cfg EditPrecisionConfig, logger *zap.Logger) *EditPrecisionTracker {
	return &EditPrecisionTracker{
		cfg:     cfg,
		pending: make(map[string]int),
		logger:  logger.With(zap.String("component", "edit_precision")),
	}
}

// Arm increments the session's pending counter up to the configured cap.
func (t *EditPrecisionTracker) Arm(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[sessionID] < t.cfg.MaxPending {
		t.pending[sessionID]++
	}
}

// Pending returns the current counter.
func (t *EditPrecisionTracker) Pending(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[sessionID]
}

// TuneRequest lowers sampling parameters on req when the session has a
// pending edit failure, decrementing the counter. Reports whether tuning
// was applied.
func (t *EditPrecisionTracker) TuneRequest(sessionID string, req *ChatRequest) bool {
	if !t.cfg.Enabled {
		return false
	}
	t.mu.Lock()
	n := t.pending[sessionID]
	if n == 0 {
		t.mu.Unlock()
		return false
	}
	t.pending[sessionID] = n - 1
	t.mu.Unlock()

	temp := t.cfg.TargetTemperature
	req.Temperature = &temp
	if t.cfg.ApplyTopP {
		topP := t.cfg.MinTopP
		if req.TopP != nil && *req.TopP > topP {
			topP = *req.TopP
		}
		req.TopP = &topP
	}
	t.logger.Debug("Tuned request after edit failure",
		zap.String("session_id", sessionID),
		zap.Float64("temperature", temp))
	return true
}

// Forget drops the counter for a session.
func (t *EditPrecisionTracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, sessionID)
}

// EditPrecisionMiddleware watches replies for edit-failure markers and arms
// the tracker.
type EditPrecisionMiddleware struct {
	cfg     EditPrecisionConfig
	tracker *EditPrecisionTracker
	markers []string
}

var _ ResponseMiddleware = (*EditPrecisionMiddleware)(nil)

func NewEditPrecisionMiddleware(cfg EditPrecisionConfig, tracker *EditPrecisionTracker) *EditPrecisionMiddleware {
	lowered := make([]string, len(cfg.Markers))
	for i, m := range cfg.Markers {
		lowered[i] = strings.ToLower(m)
	}
	return &EditPrecisionMiddleware{cfg: cfg, tracker: tracker, markers: lowered}
}

func (m *EditPrecisionMiddleware) Name() string { return "edit_precision" }

func (m *EditPrecisionMiddleware) Priority() int { return PriorityEditPrecision }

const ctxKeyEditArmed = "edit_precision.armed"

func (m *EditPrecisionMiddleware) ProcessChunk(sctx *StreamContext, item StreamingContent) (StreamingContent, error) {
	if !m.cfg.Enabled || item.Content == "" {
		return item, nil
	}
	if armed, _ := sctx.Values[ctxKeyEditArmed].(bool); armed {
		return item, nil
	}
	// Markers can straddle chunk boundaries; scan the accumulated tail.
	tail := sctx.Accumulated() + item.Content
	if len(tail) > 4096 {
		tail = tail[len(tail)-4096:]
	}
	lowered := strings.ToLower(tail)
	for _, marker := range m.markers {
		if strings.Contains(lowered, marker) {
			m.tracker.Arm(sctx.SessionID)
			sctx.Values[ctxKeyEditArmed] = true
			break
		}
	}
	return item, nil
}

func (m *EditPrecisionMiddleware) Finalize(*StreamContext) ([]StreamingContent, error) {
	return nil, nil
}
