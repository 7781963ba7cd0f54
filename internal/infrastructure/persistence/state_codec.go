package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// stateSnapshot is the JSON wire form of a session state. One-shot flags
// (hello, interactive-just-enabled) are deliberately absent; they never
// outlive the request that set them.
type stateSnapshot struct {
	Backend    backendSnapshot   `json:"backend"`
	Reasoning  reasoningSnapshot `json:"reasoning"`
	Loop       loopSnapshot      `json:"loop"`
	Project    string            `json:"project,omitempty"`
	ProjectDir string            `json:"project_dir,omitempty"`
	ClineAgent bool              `json:"cline_agent,omitempty"`
}

type backendSnapshot struct {
	Type           string          `json:"type,omitempty"`
	Model          string          `json:"model,omitempty"`
	InteractiveOff bool            `json:"interactive_off,omitempty"`
	OpenAIURL      string          `json:"openai_url,omitempty"`
	Routes         []routeSnapshot `json:"routes,omitempty"`
	Oneoff         string          `json:"oneoff,omitempty"`
}

type routeSnapshot struct {
	Name     string   `json:"name"`
	Policy   string   `json:"policy"`
	Elements []string `json:"elements,omitempty"`
}

type reasoningSnapshot struct {
	Effort      string         `json:"effort,omitempty"`
	Budget      *int           `json:"budget,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
	Gemini      map[string]any `json:"gemini,omitempty"`
}

type loopSnapshot struct {
	LoopOff     bool   `json:"loop_off,omitempty"`
	ToolLoopOff bool   `json:"tool_loop_off,omitempty"`
	MaxRepeats  int    `json:"max_repeats,omitempty"`
	TTLSeconds  int    `json:"ttl_seconds,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

// EncodeState serializes a state snapshot for storage.
func EncodeState(state valueobject.SessionState) (string, error) {
	bc := state.BackendConfig()
	rc := state.ReasoningConfig()
	lc := state.LoopConfig()

	snap := stateSnapshot{
		Project:    state.Project(),
		ProjectDir: state.ProjectDir(),
		ClineAgent: state.IsClineAgent(),
	}

	snap.Backend = backendSnapshot{
		Type:           bc.BackendType(),
		Model:          bc.Model(),
		InteractiveOff: !bc.InteractiveMode(),
		OpenAIURL:      bc.OpenAIURL(),
	}
	for _, name := range bc.FailoverRouteNames() {
		route, _ := bc.FailoverRoute(name)
		snap.Backend.Routes = append(snap.Backend.Routes, routeSnapshot{
			Name:     route.Name(),
			Policy:   string(route.Policy()),
			Elements: route.Elements(),
		})
	}
	if oneoff := bc.Oneoff(); !oneoff.IsZero() {
		snap.Backend.Oneoff = oneoff.Backend() + "/" + oneoff.Model()
	}

	snap.Reasoning = reasoningSnapshot{
		Effort: rc.ReasoningEffort(),
		Raw:    rc.RawReasoning(),
		Gemini: rc.GeminiGenerationConfig(),
	}
	if budget, ok := rc.ThinkingBudget(); ok {
		snap.Reasoning.Budget = &budget
	}
	if temp, ok := rc.Temperature(); ok {
		snap.Reasoning.Temperature = &temp
	}

	snap.Loop = loopSnapshot{
		LoopOff:     !lc.LoopDetectionEnabled(),
		ToolLoopOff: !lc.ToolLoopDetectionEnabled(),
		Mode:        lc.ToolLoopMode(),
	}
	if n, ok := lc.ToolLoopMaxRepeats(); ok {
		snap.Loop.MaxRepeats = n
	}
	if s, ok := lc.ToolLoopTTLSeconds(); ok {
		snap.Loop.TTLSeconds = s
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode session state: %w", err)
	}
	return string(data), nil
}

// DecodeState rebuilds a state snapshot from its stored form. Values that
// fail revalidation (e.g. a range narrowed since they were written) are
// dropped rather than failing the whole session.
func DecodeState(data string) (valueobject.SessionState, error) {
	if data == "" {
		return valueobject.NewSessionState(), nil
	}
	var snap stateSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return valueobject.SessionState{}, fmt.Errorf("decode session state: %w", err)
	}

	bc := valueobject.NewBackendConfig()
	if snap.Backend.Type != "" {
		bc = bc.WithBackendType(snap.Backend.Type)
	}
	if snap.Backend.Model != "" {
		bc = bc.WithModel(snap.Backend.Model)
	}
	bc = bc.WithInteractiveMode(!snap.Backend.InteractiveOff)
	if snap.Backend.OpenAIURL != "" {
		if next, err := bc.WithOpenAIURL(snap.Backend.OpenAIURL); err == nil {
			bc = next
		}
	}
	for _, rs := range snap.Backend.Routes {
		route, err := valueobject.NewFailoverRoute(rs.Name, rs.Policy)
		if err != nil {
			continue
		}
		for _, el := range rs.Elements {
			if next, err := route.WithAppended(el); err == nil {
				route = next
			}
		}
		bc = bc.WithFailoverRoute(route)
	}
	if snap.Backend.Oneoff != "" {
		if oneoff, err := valueobject.NewOneoffRoute(snap.Backend.Oneoff); err == nil {
			bc = bc.WithOneoff(oneoff)
		}
	}

	rc := valueobject.NewReasoningConfig()
	if snap.Reasoning.Effort != "" {
		if next, err := rc.WithReasoningEffort(snap.Reasoning.Effort); err == nil {
			rc = next
		}
	}
	if snap.Reasoning.Budget != nil {
		if next, err := rc.WithThinkingBudget(*snap.Reasoning.Budget); err == nil {
			rc = next
		}
	}
	if snap.Reasoning.Temperature != nil {
		if next, err := rc.WithTemperature(*snap.Reasoning.Temperature); err == nil {
			rc = next
		}
	}
	if len(snap.Reasoning.Raw) > 0 {
		rc = rc.WithRawReasoning(snap.Reasoning.Raw)
	}
	if len(snap.Reasoning.Gemini) > 0 {
		rc = rc.WithGeminiGenerationConfig(snap.Reasoning.Gemini)
	}

	lc := valueobject.NewLoopConfig().
		WithLoopDetection(!snap.Loop.LoopOff).
		WithToolLoopDetection(!snap.Loop.ToolLoopOff)
	if snap.Loop.MaxRepeats > 0 {
		if next, err := lc.WithToolLoopMaxRepeats(snap.Loop.MaxRepeats); err == nil {
			lc = next
		}
	}
	if snap.Loop.TTLSeconds > 0 {
		if next, err := lc.WithToolLoopTTLSeconds(snap.Loop.TTLSeconds); err == nil {
			lc = next
		}
	}
	if snap.Loop.Mode != "" {
		if next, err := lc.WithToolLoopMode(snap.Loop.Mode); err == nil {
			lc = next
		}
	}

	state := valueobject.NewSessionStateBuilder(valueobject.NewSessionState()).
		BackendConfig(bc).
		ReasoningConfig(rc).
		LoopConfig(lc).
		Project(snap.Project).
		ProjectDir(snap.ProjectDir).
		ClineAgent(snap.ClineAgent).
		Build()
	return state, nil
}
