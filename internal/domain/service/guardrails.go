package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// LoopDetectionConfig carries the process-wide defaults; per-session
// LoopConfig values override the tool-loop thresholds when set.
type LoopDetectionConfig struct {
	Enabled          bool
	MinPatternLength int
	MaxPatternLength int
	Threshold        int

	ToolLoopEnabled    bool
	ToolLoopMaxRepeats int
	ToolLoopTTL        time.Duration
	ToolLoopMode       string
}

// DefaultLoopDetectionConfig mirrors the shipped configuration defaults.
func DefaultLoopDetectionConfig() LoopDetectionConfig {
	return LoopDetectionConfig{
		Enabled:            true,
		MinPatternLength:   4,
		MaxPatternLength:   120,
		Threshold:          6,
		ToolLoopEnabled:    true,
		ToolLoopMaxRepeats: 3,
		ToolLoopTTL:        2 * time.Minute,
		ToolLoopMode:       valueobject.ToolLoopModeBreak,
	}
}

// loopWindow is the per-response rolling text buffer. It keeps just enough
// tail to witness the largest configured pattern repeating to threshold.
type loopWindow struct {
	buf       strings.Builder
	capBytes  int
	minLen    int
	maxLen    int
	threshold int
}

func newLoopWindow(cfg LoopDetectionConfig) *loopWindow {
	return &loopWindow{
		capBytes:  cfg.MaxPatternLength * (cfg.Threshold + 1),
		minLen:    cfg.MinPatternLength,
		maxLen:    cfg.MaxPatternLength,
		threshold: cfg.Threshold,
	}
}

// observe appends text and reports a detected repetition, if any.
func (w *loopWindow) observe(text string) *LoopDetectionError {
	if text == "" {
		return nil
	}
	w.buf.WriteString(text)
	s := w.buf.String()
	if len(s) > w.capBytes {
		s = s[len(s)-w.capBytes:]
		w.buf.Reset()
		w.buf.WriteString(s)
	}
	for l := w.minLen; l <= w.maxLen; l++ {
		if l*w.threshold > len(s) {
			break
		}
		pattern := s[len(s)-l:]
		repeats := 1
		for {
			start := len(s) - (repeats+1)*l
			if start < 0 || s[start:start+l] != pattern {
				break
			}
			repeats++
		}
		if repeats >= w.threshold {
			return &LoopDetectionError{Pattern: pattern, Repeats: repeats}
		}
	}
	return nil
}

// ToolLoopTracker counts structurally identical tool invocations per
// session within a TTL window. It is shared across requests.
type ToolLoopTracker struct {
	mu      sync.Mutex
	stamps  map[string]map[string][]time.Time
	warned  map[string]bool
	nowFunc func() time.Time
}

func NewToolLoopTracker() *ToolLoopTracker {
	return &ToolLoopTracker{
		stamps:  make(map[string]map[string][]time.Time),
		warned:  make(map[string]bool),
		nowFunc: time.Now,
	}
}

// toolSignature hashes a call's name and arguments so that identical
// invocations collide regardless of argument key order.
func toolSignature(name, arguments string) string {
	canon := canonicalizeArgs(arguments)
	sum := sha256.Sum256([]byte(name + "|" + canon))
	return name + "|" + hex.EncodeToString(sum[:8])
}

// canonicalizeArgs produces a stable rendering of a JSON argument string.
// Invalid JSON is used as-is.
func canonicalizeArgs(arguments string) string {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return "{}"
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return trimmed
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%v;", k, m[k])
	}
	return sb.String()
}

// Record adds one invocation and returns how many identical ones fall
// inside the TTL window, including this one.
func (t *ToolLoopTracker) Record(sessionID, name, arguments string, ttl time.Duration) int {
	sig := toolSignature(name, arguments)
	now := t.nowFunc()
	cutoff := now.Add(-ttl)

	t.mu.Lock()
	defer t.mu.Unlock()
	bySig := t.stamps[sessionID]
	if bySig == nil {
		bySig = make(map[string][]time.Time)
		t.stamps[sessionID] = bySig
	}
	kept := bySig[sig][:0]
	for _, ts := range bySig[sig] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	bySig[sig] = kept
	return len(kept)
}

// MarkWarned flags the session as having received its one warning in
// chance_then_break mode; returns whether it was already warned.
func (t *ToolLoopTracker) MarkWarned(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.warned[sessionID]
	t.warned[sessionID] = true
	return prev
}

// Forget drops all state for a session.
func (t *ToolLoopTracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stamps, sessionID)
	delete(t.warned, sessionID)
}

// LoopDetectionMiddleware aborts or annotates replies that repeat
// themselves: character-level repetition mid-stream and structurally
// identical tool calls across requests.
type LoopDetectionMiddleware struct {
	cfg     LoopDetectionConfig
	tracker *ToolLoopTracker
	logger  *zap.Logger
}

var _ ResponseMiddleware = (*LoopDetectionMiddleware)(nil)

func NewLoopDetectionMiddleware(cfg LoopDetectionConfig, tracker *ToolLoopTracker, logger *zap.Logger) *LoopDetectionMiddleware {
	return &LoopDetectionMiddleware{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger.With(zap.String("component", "loop_detection")),
	}
}

func (m *LoopDetectionMiddleware) Name() string { return "loop_detection" }

func (m *LoopDetectionMiddleware) Priority() int { return PriorityLoopDetection }

const ctxKeyLoopWindow = "loop_detection.window"
const ctxKeyToolCallAcc = "loop_detection.tool_calls"

func (m *LoopDetectionMiddleware) ProcessChunk(sctx *StreamContext, item StreamingContent) (StreamingContent, error) {
	if m.textEnabled(sctx.State) && item.Content != "" {
		w, _ := sctx.Values[ctxKeyLoopWindow].(*loopWindow)
		if w == nil {
			w = newLoopWindow(m.cfg)
			sctx.Values[ctxKeyLoopWindow] = w
		}
		if err := w.observe(item.Content); err != nil {
			m.logger.Warn("Aborting looping response",
				zap.String("session_id", sctx.SessionID),
				zap.Int("repeats", err.Repeats))
			return item, err
		}
	}
	if len(item.ToolCalls) > 0 && m.toolEnabled(sctx.State) {
		acc, _ := sctx.Values[ctxKeyToolCallAcc].(map[int]*ToolCall)
		if acc == nil {
			acc = make(map[int]*ToolCall)
			sctx.Values[ctxKeyToolCallAcc] = acc
		}
		accumulateToolCalls(acc, item.ToolCalls)
	}
	return item, nil
}

func (m *LoopDetectionMiddleware) Finalize(sctx *StreamContext) ([]StreamingContent, error) {
	if !m.toolEnabled(sctx.State) {
		return nil, nil
	}
	acc, _ := sctx.Values[ctxKeyToolCallAcc].(map[int]*ToolCall)
	if len(acc) == 0 {
		return nil, nil
	}

	maxRepeats, ttl, mode := m.toolThresholds(sctx.State)
	var warnings []StreamingContent
	for _, tc := range sortedToolCalls(acc) {
		if tc.Function.Name == "" {
			continue
		}
		count := m.tracker.Record(sctx.SessionID, tc.Function.Name, tc.Function.Arguments, ttl)
		if count < maxRepeats {
			continue
		}
		switch mode {
		case valueobject.ToolLoopModeWarn:
			warnings = append(warnings, BuildTextChunk("", sctx.Model,
				fmt.Sprintf("\n[proxy] tool %s repeated %d times with identical arguments", tc.Function.Name, count)))
		case valueobject.ToolLoopModeChanceThenBreak:
			if m.tracker.MarkWarned(sctx.SessionID) {
				return warnings, &ToolLoopError{ToolName: tc.Function.Name, Count: count}
			}
			warnings = append(warnings, BuildTextChunk("", sctx.Model,
				fmt.Sprintf("\n[proxy] tool %s repeated %d times; next identical call will be blocked", tc.Function.Name, count)))
		default:
			return warnings, &ToolLoopError{ToolName: tc.Function.Name, Count: count}
		}
	}
	return warnings, nil
}

func (m *LoopDetectionMiddleware) textEnabled(state valueobject.SessionState) bool {
	return m.cfg.Enabled && state.LoopConfig().LoopDetectionEnabled()
}

func (m *LoopDetectionMiddleware) toolEnabled(state valueobject.SessionState) bool {
	return m.cfg.ToolLoopEnabled && state.LoopConfig().ToolLoopDetectionEnabled()
}

// toolThresholds resolves the effective limits: session overrides first,
// process defaults otherwise.
func (m *LoopDetectionMiddleware) toolThresholds(state valueobject.SessionState) (int, time.Duration, string) {
	lc := state.LoopConfig()
	maxRepeats := m.cfg.ToolLoopMaxRepeats
	if n, ok := lc.ToolLoopMaxRepeats(); ok {
		maxRepeats = n
	}
	ttl := m.cfg.ToolLoopTTL
	if secs, ok := lc.ToolLoopTTLSeconds(); ok {
		ttl = time.Duration(secs) * time.Second
	}
	mode := m.cfg.ToolLoopMode
	if lc.ToolLoopMode() != "" {
		mode = lc.ToolLoopMode()
	}
	return maxRepeats, ttl, mode
}

// accumulateToolCalls merges streaming deltas by index: names and ids
// arrive once, argument fragments concatenate.
func accumulateToolCalls(acc map[int]*ToolCall, deltas []ToolCall) {
	for _, d := range deltas {
		cur := acc[d.Index]
		if cur == nil {
			copied := d
			acc[d.Index] = &copied
			continue
		}
		if d.ID != "" {
			cur.ID = d.ID
		}
		if d.Type != "" {
			cur.Type = d.Type
		}
		if d.Function.Name != "" {
			cur.Function.Name = d.Function.Name
		}
		cur.Function.Arguments += d.Function.Arguments
	}
}

func sortedToolCalls(acc map[int]*ToolCall) []*ToolCall {
	indexes := make([]int, 0, len(acc))
	for idx := range acc {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	out := make([]*ToolCall, 0, len(acc))
	for _, idx := range indexes {
		out = append(out, acc[idx])
	}
	return out
}
