package valueobject

import "fmt"

// Tool-loop reaction modes.
const (
	ToolLoopModeBreak           = "break"
	ToolLoopModeWarn            = "warn"
	ToolLoopModeChanceThenBreak = "chance_then_break"
)

const (
	MinToolLoopRepeats    = 2
	MinToolLoopTTLSeconds = 1
)

// ValidToolLoopMode reports whether v is a recognized reaction mode.
func ValidToolLoopMode(v string) bool {
	switch v {
	case ToolLoopModeBreak, ToolLoopModeWarn, ToolLoopModeChanceThenBreak:
		return true
	}
	return false
}

// LoopConfig holds per-session loop-detection settings (immutable).
// Detection is on by default; numeric fields at zero defer to the
// process-wide configuration.
type LoopConfig struct {
	loopDetectionDisabled     bool
	toolLoopDetectionDisabled bool
	toolLoopMaxRepeats        int
	toolLoopTTLSeconds        int
	toolLoopMode              string
}

// NewLoopConfig returns the default config: both detectors enabled,
// thresholds deferred to process configuration.
func NewLoopConfig() LoopConfig {
	return LoopConfig{}
}

func (lc LoopConfig) LoopDetectionEnabled() bool { return !lc.loopDetectionDisabled }

func (lc LoopConfig) ToolLoopDetectionEnabled() bool { return !lc.toolLoopDetectionDisabled }

// ToolLoopMaxRepeats returns the threshold and whether it has been set.
func (lc LoopConfig) ToolLoopMaxRepeats() (int, bool) {
	return lc.toolLoopMaxRepeats, lc.toolLoopMaxRepeats != 0
}

// ToolLoopTTLSeconds returns the window and whether it has been set.
func (lc LoopConfig) ToolLoopTTLSeconds() (int, bool) {
	return lc.toolLoopTTLSeconds, lc.toolLoopTTLSeconds != 0
}

// ToolLoopMode returns the reaction mode, empty when unset.
func (lc LoopConfig) ToolLoopMode() string { return lc.toolLoopMode }

func (lc LoopConfig) WithLoopDetection(enabled bool) LoopConfig {
	next := lc
	next.loopDetectionDisabled = !enabled
	return next
}

func (lc LoopConfig) WithToolLoopDetection(enabled bool) LoopConfig {
	next := lc
	next.toolLoopDetectionDisabled = !enabled
	return next
}

func (lc LoopConfig) WithToolLoopMaxRepeats(n int) (LoopConfig, error) {
	if n < MinToolLoopRepeats {
		return lc, fmt.Errorf("tool loop max repeats must be at least %d, got %d", MinToolLoopRepeats, n)
	}
	next := lc
	next.toolLoopMaxRepeats = n
	return next, nil
}

func (lc LoopConfig) WithToolLoopTTLSeconds(seconds int) (LoopConfig, error) {
	if seconds < MinToolLoopTTLSeconds {
		return lc, fmt.Errorf("tool loop ttl must be at least %ds, got %ds", MinToolLoopTTLSeconds, seconds)
	}
	next := lc
	next.toolLoopTTLSeconds = seconds
	return next, nil
}

func (lc LoopConfig) WithToolLoopMode(mode string) (LoopConfig, error) {
	if !ValidToolLoopMode(mode) {
		return lc, fmt.Errorf("tool loop mode must be one of break, warn, chance_then_break; got %q", mode)
	}
	next := lc
	next.toolLoopMode = mode
	return next, nil
}

// WithToolLoopDefaults clears the numeric overrides and mode.
func (lc LoopConfig) WithToolLoopDefaults() LoopConfig {
	next := lc
	next.toolLoopMaxRepeats = 0
	next.toolLoopTTLSeconds = 0
	next.toolLoopMode = ""
	return next
}

func (lc LoopConfig) Equals(other LoopConfig) bool {
	return lc == other
}
