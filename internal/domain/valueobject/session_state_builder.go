package valueobject

// SessionStateBuilder accumulates changes to a snapshot without allocating
// an intermediate SessionState per field. Build returns the final value; the
// builder is discarded afterwards. With no setter calls, Build returns a
// state equal to the seed.
type SessionStateBuilder struct {
	state SessionState
}

// NewSessionStateBuilder seeds a builder from an existing snapshot.
func NewSessionStateBuilder(seed SessionState) *SessionStateBuilder {
	return &SessionStateBuilder{state: seed}
}

func (b *SessionStateBuilder) BackendConfig(bc BackendConfig) *SessionStateBuilder {
	b.state.backendConfig = bc
	return b
}

func (b *SessionStateBuilder) ReasoningConfig(rc ReasoningConfig) *SessionStateBuilder {
	b.state.reasoningConfig = rc
	return b
}

func (b *SessionStateBuilder) LoopConfig(lc LoopConfig) *SessionStateBuilder {
	b.state.loopConfig = lc
	return b
}

func (b *SessionStateBuilder) Project(project string) *SessionStateBuilder {
	b.state.project = project
	return b
}

func (b *SessionStateBuilder) ProjectDir(dir string) *SessionStateBuilder {
	b.state.projectDir = dir
	return b
}

func (b *SessionStateBuilder) HelloRequested(v bool) *SessionStateBuilder {
	b.state.helloRequested = v
	return b
}

func (b *SessionStateBuilder) ClineAgent(v bool) *SessionStateBuilder {
	b.state.isClineAgent = v
	return b
}

// Build returns the accumulated snapshot.
func (b *SessionStateBuilder) Build() SessionState {
	return b.state
}
