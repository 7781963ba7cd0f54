package valueobject

// SessionState is the immutable per-session configuration snapshot. Every
// mutator returns a new instance; callers swap the session's current
// snapshot atomically. Request processing reads one snapshot for its whole
// lifetime.
type SessionState struct {
	backendConfig   BackendConfig
	reasoningConfig ReasoningConfig
	loopConfig      LoopConfig

	project    string
	projectDir string

	interactiveJustEnabled bool
	helloRequested         bool
	isClineAgent           bool
}

// NewSessionState returns the default state for a fresh session.
func NewSessionState() SessionState {
	return SessionState{}
}

func (s SessionState) BackendConfig() BackendConfig { return s.backendConfig }

func (s SessionState) ReasoningConfig() ReasoningConfig { return s.reasoningConfig }

func (s SessionState) LoopConfig() LoopConfig { return s.loopConfig }

func (s SessionState) Project() string { return s.project }

func (s SessionState) ProjectDir() string { return s.projectDir }

func (s SessionState) InteractiveJustEnabled() bool { return s.interactiveJustEnabled }

func (s SessionState) HelloRequested() bool { return s.helloRequested }

func (s SessionState) IsClineAgent() bool { return s.isClineAgent }

// InteractiveMode is a convenience passthrough to the backend config.
func (s SessionState) InteractiveMode() bool { return s.backendConfig.InteractiveMode() }

func (s SessionState) WithBackendConfig(bc BackendConfig) SessionState {
	next := s
	next.backendConfig = bc
	return next
}

func (s SessionState) WithReasoningConfig(rc ReasoningConfig) SessionState {
	next := s
	next.reasoningConfig = rc
	return next
}

func (s SessionState) WithLoopConfig(lc LoopConfig) SessionState {
	next := s
	next.loopConfig = lc
	return next
}

func (s SessionState) WithProject(project string) SessionState {
	next := s
	next.project = project
	return next
}

func (s SessionState) WithProjectDir(dir string) SessionState {
	next := s
	next.projectDir = dir
	return next
}

// WithInteractiveMode flips interactive mode and records the transition so
// the next synthetic reply can mention it.
func (s SessionState) WithInteractiveMode(enabled bool) SessionState {
	next := s
	justEnabled := enabled && !s.backendConfig.InteractiveMode()
	next.backendConfig = s.backendConfig.WithInteractiveMode(enabled)
	next.interactiveJustEnabled = justEnabled
	return next
}

func (s SessionState) WithHelloRequested(requested bool) SessionState {
	next := s
	next.helloRequested = requested
	return next
}

func (s SessionState) WithClineAgent(isCline bool) SessionState {
	next := s
	next.isClineAgent = isCline
	return next
}

// WithOneShotFlagsCleared resets the flags consumed by a synthetic reply.
func (s SessionState) WithOneShotFlagsCleared() SessionState {
	next := s
	next.helloRequested = false
	next.interactiveJustEnabled = false
	return next
}

// Equals compares two snapshots by value.
func (s SessionState) Equals(other SessionState) bool {
	return s.backendConfig.Equals(other.backendConfig) &&
		s.reasoningConfig.Equals(other.reasoningConfig) &&
		s.loopConfig.Equals(other.loopConfig) &&
		s.project == other.project &&
		s.projectDir == other.projectDir &&
		s.interactiveJustEnabled == other.interactiveJustEnabled &&
		s.helloRequested == other.helloRequested &&
		s.isClineAgent == other.isClineAgent
}
