package valueobject

import (
	"fmt"
	"reflect"
)

// Reasoning effort levels accepted by the reasoning-effort setting.
const (
	EffortLow     = "low"
	EffortMedium  = "medium"
	EffortHigh    = "high"
	EffortMaximum = "maximum"
)

const (
	MinThinkingBudget = 128
	MaxThinkingBudget = 32768

	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// ValidReasoningEffort reports whether v is a recognized effort level.
func ValidReasoningEffort(v string) bool {
	switch v {
	case EffortLow, EffortMedium, EffortHigh, EffortMaximum:
		return true
	}
	return false
}

// ValidateThinkingBudget checks the inclusive token budget range.
func ValidateThinkingBudget(v int) error {
	if v < MinThinkingBudget || v > MaxThinkingBudget {
		return fmt.Errorf("thinking budget must be between %d and %d, got %d", MinThinkingBudget, MaxThinkingBudget, v)
	}
	return nil
}

// ValidateTemperature checks the inclusive sampling temperature range.
func ValidateTemperature(v float64) error {
	if v < MinTemperature || v > MaxTemperature {
		return fmt.Errorf("temperature must be between %.1f and %.1f, got %g", MinTemperature, MaxTemperature, v)
	}
	return nil
}

// ReasoningConfig holds per-session sampling and reasoning settings
// (immutable). Zero values mean "unset"; temperature and thinking budget use
// explicit set flags because 0 is not a sentinel for them.
type ReasoningConfig struct {
	reasoningEffort string
	thinkingBudget  int
	budgetSet       bool
	temperature     float64
	temperatureSet  bool
	rawReasoning    map[string]any
	geminiGenConfig map[string]any
}

// NewReasoningConfig returns the all-unset default.
func NewReasoningConfig() ReasoningConfig {
	return ReasoningConfig{}
}

func (rc ReasoningConfig) ReasoningEffort() string { return rc.reasoningEffort }

// ThinkingBudget returns the budget and whether it has been set.
func (rc ReasoningConfig) ThinkingBudget() (int, bool) {
	return rc.thinkingBudget, rc.budgetSet
}

// Temperature returns the temperature and whether it has been set.
func (rc ReasoningConfig) Temperature() (float64, bool) {
	return rc.temperature, rc.temperatureSet
}

// RawReasoning returns a copy of the provider-opaque reasoning options map.
func (rc ReasoningConfig) RawReasoning() map[string]any {
	return copyAnyMap(rc.rawReasoning)
}

// GeminiGenerationConfig returns a copy of extra Gemini generationConfig keys.
func (rc ReasoningConfig) GeminiGenerationConfig() map[string]any {
	return copyAnyMap(rc.geminiGenConfig)
}

func (rc ReasoningConfig) WithReasoningEffort(effort string) (ReasoningConfig, error) {
	if !ValidReasoningEffort(effort) {
		return rc, fmt.Errorf("reasoning effort must be one of low, medium, high, maximum; got %q", effort)
	}
	next := rc
	next.reasoningEffort = effort
	return next, nil
}

func (rc ReasoningConfig) WithoutReasoningEffort() ReasoningConfig {
	next := rc
	next.reasoningEffort = ""
	return next
}

func (rc ReasoningConfig) WithThinkingBudget(budget int) (ReasoningConfig, error) {
	if err := ValidateThinkingBudget(budget); err != nil {
		return rc, err
	}
	next := rc
	next.thinkingBudget = budget
	next.budgetSet = true
	return next, nil
}

func (rc ReasoningConfig) WithoutThinkingBudget() ReasoningConfig {
	next := rc
	next.thinkingBudget = 0
	next.budgetSet = false
	return next
}

func (rc ReasoningConfig) WithTemperature(t float64) (ReasoningConfig, error) {
	if err := ValidateTemperature(t); err != nil {
		return rc, err
	}
	next := rc
	next.temperature = t
	next.temperatureSet = true
	return next, nil
}

func (rc ReasoningConfig) WithoutTemperature() ReasoningConfig {
	next := rc
	next.temperature = 0
	next.temperatureSet = false
	return next
}

func (rc ReasoningConfig) WithRawReasoning(m map[string]any) ReasoningConfig {
	next := rc
	next.rawReasoning = copyAnyMap(m)
	return next
}

func (rc ReasoningConfig) WithGeminiGenerationConfig(m map[string]any) ReasoningConfig {
	next := rc
	next.geminiGenConfig = copyAnyMap(m)
	return next
}

// Equals compares two configs by value. Opaque maps compare by shallow
// key/value equality.
func (rc ReasoningConfig) Equals(other ReasoningConfig) bool {
	return rc.reasoningEffort == other.reasoningEffort &&
		rc.thinkingBudget == other.thinkingBudget &&
		rc.budgetSet == other.budgetSet &&
		rc.temperature == other.temperature &&
		rc.temperatureSet == other.temperatureSet &&
		anyMapsEqual(rc.rawReasoning, other.rawReasoning) &&
		anyMapsEqual(rc.geminiGenConfig, other.geminiGenConfig)
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func anyMapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}
